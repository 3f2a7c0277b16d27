package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

// GetProject fetches a project record.
func (s *Store) GetProject(ctx context.Context, projectID string) (*session.Project, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Projects),
		Key: map[string]dynamotypes.AttributeValue{
			"projectId": &dynamotypes.AttributeValueMemberS{Value: projectID},
		},
	})
	if err != nil {
		return nil, errdefs.Transient("dynamodb.GetItem", err)
	}
	if len(out.Item) == 0 {
		return nil, errdefs.NotFound("project", projectID)
	}

	var proj session.Project
	if err := attributevalue.UnmarshalMap(out.Item, &proj); err != nil {
		return nil, fmt.Errorf("unmarshal project %s: %w", projectID, err)
	}
	return &proj, nil
}

// GetAPIKey fetches the credential record for the SHA-256 hash of a raw key.
func (s *Store) GetAPIKey(ctx context.Context, keyHash string) (*session.APIKey, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.APIKeys),
		Key: map[string]dynamotypes.AttributeValue{
			"keyHash": &dynamotypes.AttributeValueMemberS{Value: keyHash},
		},
	})
	if err != nil {
		return nil, errdefs.Transient("dynamodb.GetItem", err)
	}
	if len(out.Item) == 0 {
		return nil, errdefs.NotFound("api key", keyHash[:8])
	}

	var key session.APIKey
	if err := attributevalue.UnmarshalMap(out.Item, &key); err != nil {
		return nil, fmt.Errorf("unmarshal api key: %w", err)
	}
	return &key, nil
}

// GetContext fetches a browser context record and verifies it belongs to the
// given project.
func (s *Store) GetContext(ctx context.Context, contextID, projectID string) (*session.Context, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Contexts),
		Key: map[string]dynamotypes.AttributeValue{
			"contextId": &dynamotypes.AttributeValueMemberS{Value: contextID},
		},
	})
	if err != nil {
		return nil, errdefs.Transient("dynamodb.GetItem", err)
	}
	if len(out.Item) == 0 {
		return nil, errdefs.NotFound("context", contextID)
	}

	var bc session.Context
	if err := attributevalue.UnmarshalMap(out.Item, &bc); err != nil {
		return nil, fmt.Errorf("unmarshal context %s: %w", contextID, err)
	}
	if bc.ProjectID != projectID {
		return nil, errdefs.Forbidden("context belongs to another project")
	}
	return &bc, nil
}
