package store

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wallcrawler/sessioncore/internal/session"
)

// FromStreamImage decodes a DynamoDB stream image into a session record.
// Stream records arrive in the Lambda event representation, which is not the
// SDK's attribute value type, so each attribute is converted first.
func FromStreamImage(image map[string]events.DynamoDBAttributeValue) (*session.Session, error) {
	if len(image) == 0 {
		return nil, nil
	}
	item := make(map[string]dynamotypes.AttributeValue, len(image))
	for name, av := range image {
		item[name] = toSDKAttribute(av)
	}

	var rec session.Session
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal stream image: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("stream image missing sessionId")
	}
	return &rec, nil
}

func toSDKAttribute(av events.DynamoDBAttributeValue) dynamotypes.AttributeValue {
	switch av.DataType() {
	case events.DataTypeString:
		return &dynamotypes.AttributeValueMemberS{Value: av.String()}
	case events.DataTypeNumber:
		return &dynamotypes.AttributeValueMemberN{Value: av.Number()}
	case events.DataTypeBoolean:
		return &dynamotypes.AttributeValueMemberBOOL{Value: av.Boolean()}
	case events.DataTypeNull:
		return &dynamotypes.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &dynamotypes.AttributeValueMemberSS{Value: av.StringSet()}
	case events.DataTypeMap:
		m := make(map[string]dynamotypes.AttributeValue, len(av.Map()))
		for k, v := range av.Map() {
			m[k] = toSDKAttribute(v)
		}
		return &dynamotypes.AttributeValueMemberM{Value: m}
	case events.DataTypeList:
		l := make([]dynamotypes.AttributeValue, 0, len(av.List()))
		for _, v := range av.List() {
			l = append(l, toSDKAttribute(v))
		}
		return &dynamotypes.AttributeValueMemberL{Value: l}
	default:
		return &dynamotypes.AttributeValueMemberNULL{Value: true}
	}
}
