// Package store is the DynamoDB persistence layer for session records and
// the read-only reference tables (projects, API keys, browser contexts).
// Every session mutation goes through UpdateIf, which enforces the lifecycle
// transition table with a conditional write so concurrent writers cannot
// clobber each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

const (
	// indexProjectCreated serves per-project listings, newest first.
	indexProjectCreated = "projectId-createdAt-index"
	// indexStatusExpires serves the reconciler's expiry and stuck sweeps.
	indexStatusExpires = "internalStatus-expiresAt-index"
)

// DynamoDBAPI is the slice of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Tables names the four tables the store reads and writes.
type Tables struct {
	Sessions string
	Projects string
	APIKeys  string
	Contexts string
}

// Store wraps DynamoDB access for the orchestration layer.
type Store struct {
	client DynamoDBAPI
	tables Tables
	log    *logrus.Entry
	now    func() time.Time
}

// New builds a store over the given client and table names.
func New(client DynamoDBAPI, tables Tables, log *logrus.Entry) *Store {
	return &Store{client: client, tables: tables, log: log, now: time.Now}
}

// Create inserts a new session record. The session id must be unused; a
// collision surfaces as a conflict so the caller can mint a fresh id.
func (s *Store) Create(ctx context.Context, rec *session.Session) error {
	if rec.ID == "" {
		return errdefs.Validation("sessionId", "must not be empty")
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Sessions),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	if err != nil {
		var ccf *dynamotypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &errdefs.ConflictError{SessionID: rec.ID, Msg: "session id already exists"}
		}
		return errdefs.Transient("dynamodb.PutItem", err)
	}

	s.log.WithFields(logrus.Fields{
		"sessionId": rec.ID,
		"projectId": rec.ProjectID,
	}).Info("session record created")
	return nil
}

// Get fetches a session with a strongly consistent read.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Sessions),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errdefs.Transient("dynamodb.GetItem", err)
	}
	if len(out.Item) == 0 {
		return nil, errdefs.NotFound("session", sessionID)
	}

	var rec session.Session
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func sessionKey(sessionID string) map[string]dynamotypes.AttributeValue {
	return map[string]dynamotypes.AttributeValue{
		"sessionId": &dynamotypes.AttributeValueMemberS{Value: sessionID},
	}
}
