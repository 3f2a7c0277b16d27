package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

// Patch describes a session mutation applied by UpdateIf. To is the target
// status; when it equals the expected status the write is a field patch
// rather than a transition. Zero-valued fields are left untouched.
type Patch struct {
	To     session.InternalStatus
	Reason string
	// TimedOut marks a FAILED transition as expiry-driven so the client
	// status becomes TIMED_OUT instead of ERROR.
	TimedOut bool

	TaskID        string
	PublicAddress string
	ConnectURL    string
	Region        string

	Event *session.Event
}

// UpdateIf applies patch to the session only if its current internal status
// equals expected. Any interleaved writer changes the status between the
// read and the conditional write, so the losing writer observes a conflict
// instead of overwriting. Illegal transitions are rejected before touching
// the table.
func (s *Store) UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch Patch) (*session.Session, error) {
	if !session.CanTransition(expected, patch.To) {
		return nil, &errdefs.ConflictError{
			SessionID: sessionID,
			Msg:       fmt.Sprintf("illegal transition %s -> %s", expected, patch.To),
		}
	}

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.InternalStatus != expected {
		return nil, &errdefs.ConflictError{
			SessionID: sessionID,
			Msg:       fmt.Sprintf("expected status %s, found %s", expected, rec.InternalStatus),
		}
	}

	now := s.now()
	stamp := session.FormatTime(now)

	rec.InternalStatus = patch.To
	rec.Status = session.MapStatus(patch.To, patch.TimedOut)
	rec.UpdatedAt = stamp
	if patch.Reason != "" {
		rec.StatusReason = patch.Reason
	}
	if patch.TaskID != "" {
		rec.TaskID = patch.TaskID
	}
	if patch.PublicAddress != "" {
		rec.PublicAddress = patch.PublicAddress
	}
	if patch.ConnectURL != "" {
		rec.ConnectURL = patch.ConnectURL
	}
	if patch.Region != "" {
		rec.Region = patch.Region
	}

	// First entry into each phase stamps its timestamp; revisits (such as
	// ACTIVE -> READY -> ACTIVE) keep the original.
	switch patch.To {
	case session.Provisioning:
		if rec.StartedAt == "" {
			rec.StartedAt = stamp
		}
	case session.Ready:
		if rec.ReadyAt == "" {
			rec.ReadyAt = stamp
		}
	case session.Terminating, session.Stopped, session.Failed:
		if rec.TerminatedAt == "" {
			rec.TerminatedAt = stamp
		}
	}

	if patch.Event != nil {
		ev := *patch.Event
		if ev.Timestamp == "" {
			ev.Timestamp = stamp
		}
		rec.EventHistory = session.AppendEvent(rec.EventHistory, ev)
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", sessionID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Sessions),
		Item:                item,
		ConditionExpression: aws.String("internalStatus = :expected"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":expected": &dynamotypes.AttributeValueMemberS{Value: string(expected)},
		},
	})
	if err != nil {
		var ccf *dynamotypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, &errdefs.ConflictError{
				SessionID: sessionID,
				Msg:       fmt.Sprintf("status changed while applying %s -> %s", expected, patch.To),
			}
		}
		return nil, errdefs.Transient("dynamodb.PutItem", err)
	}

	s.log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"from":      expected,
		"to":        patch.To,
		"reason":    patch.Reason,
	}).Info("session status updated")
	return rec, nil
}
