package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// ListOptions controls a per-project listing.
type ListOptions struct {
	// Status optionally filters on the client-visible status.
	Status session.Status
	// Limit caps the page size; zero means the default of 50, capped at 100.
	Limit int32
	// Cursor resumes a previous listing from its NextCursor.
	Cursor string
}

// listCursor carries the index position a page stopped at. It round-trips
// through base64 JSON so clients can treat it as opaque.
type listCursor struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	CreatedAt string `json:"createdAt"`
}

func encodeCursor(key map[string]dynamotypes.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	var c listCursor
	if err := attributevalue.UnmarshalMap(key, &c); err != nil {
		return "", fmt.Errorf("unmarshal page key: %w", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]dynamotypes.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errdefs.Validation("cursor", "malformed cursor")
	}
	var c listCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.SessionID == "" || c.ProjectID == "" {
		return nil, errdefs.Validation("cursor", "malformed cursor")
	}
	key, err := attributevalue.MarshalMap(c)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListByProject returns one page of the project's sessions, newest first,
// along with a cursor for the next page when more remain.
func (s *Store) ListByProject(ctx context.Context, projectID string, opts ListOptions) ([]*session.Session, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Sessions),
		IndexName:              aws.String(indexProjectCreated),
		KeyConditionExpression: aws.String("projectId = :pid"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":pid": &dynamotypes.AttributeValueMemberS{Value: projectID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}
	if opts.Status != "" {
		input.FilterExpression = aws.String("#cs = :status")
		input.ExpressionAttributeNames = map[string]string{"#cs": "status"}
		input.ExpressionAttributeValues[":status"] = &dynamotypes.AttributeValueMemberS{Value: string(opts.Status)}
	}
	if opts.Cursor != "" {
		key, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = key
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", errdefs.Transient("dynamodb.Query", err)
	}

	sessions := make([]*session.Session, 0, len(out.Items))
	for _, item := range out.Items {
		var rec session.Session
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, "", fmt.Errorf("unmarshal session page: %w", err)
		}
		sessions = append(sessions, &rec)
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return sessions, next, nil
}

// QueryExpired iterates the sessions in the given status whose TTL elapsed
// at or before now. Iteration stops on the first fn error.
func (s *Store) QueryExpired(ctx context.Context, status session.InternalStatus, now time.Time, fn func(*session.Session) error) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Sessions),
		IndexName:              aws.String(indexStatusExpires),
		KeyConditionExpression: aws.String("internalStatus = :s AND expiresAt <= :now"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":s":   &dynamotypes.AttributeValueMemberS{Value: string(status)},
			":now": &dynamotypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	}
	return s.queryEach(ctx, input, fn)
}

// QueryOlderThan iterates the sessions in the given status created before
// cutoff, regardless of TTL. The reconciler uses it to find stuck
// provisioning records.
func (s *Store) QueryOlderThan(ctx context.Context, status session.InternalStatus, cutoff time.Time, fn func(*session.Session) error) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Sessions),
		IndexName:              aws.String(indexStatusExpires),
		KeyConditionExpression: aws.String("internalStatus = :s"),
		FilterExpression:       aws.String("createdAt < :cutoff"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":s":      &dynamotypes.AttributeValueMemberS{Value: string(status)},
			":cutoff": &dynamotypes.AttributeValueMemberS{Value: session.FormatTime(cutoff)},
		},
	}
	return s.queryEach(ctx, input, fn)
}

func (s *Store) queryEach(ctx context.Context, input *dynamodb.QueryInput, fn func(*session.Session) error) error {
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return errdefs.Transient("dynamodb.Query", err)
		}
		for _, item := range out.Items {
			var rec session.Session
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return fmt.Errorf("unmarshal session sweep item: %w", err)
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// CountActiveByProject counts the project's non-terminal sessions, the
// number admission compares against the concurrency limit.
func (s *Store) CountActiveByProject(ctx context.Context, projectID string) (int, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Sessions),
		IndexName:              aws.String(indexProjectCreated),
		KeyConditionExpression: aws.String("projectId = :pid"),
		FilterExpression:       aws.String("NOT (internalStatus IN (:stopped, :failed))"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":pid":     &dynamotypes.AttributeValueMemberS{Value: projectID},
			":stopped": &dynamotypes.AttributeValueMemberS{Value: string(session.Stopped)},
			":failed":  &dynamotypes.AttributeValueMemberS{Value: string(session.Failed)},
		},
		Select: dynamotypes.SelectCount,
	}

	total := 0
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return 0, errdefs.Transient("dynamodb.Query", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
