// Package notify publishes operational signals: SNS notifications consumed
// by downstream automations and EventBridge audit events for the account's
// event archive. Both targets are optional; an unset topic or bus name turns
// its publisher into a no-op so local stacks run without them.
package notify

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

// eventSource identifies this system on the account event bus.
const eventSource = "wallcrawler.sessioncore"

// Audit event detail types.
const (
	DetailSessionCreated  = "Session Created"
	DetailSessionReleased = "Session Released"
	DetailSessionExpired  = "Session Expired"
	DetailSessionFailed   = "Session Failed"
	DetailTaskOrphaned    = "Task Orphaned"
)

// SNSAPI is the slice of the SNS client the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EventBridgeAPI is the slice of the EventBridge client the notifier uses.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Notifier publishes session status notifications and audit events.
type Notifier struct {
	sns      SNSAPI
	topicARN string
	eb       EventBridgeAPI
	busName  string
	log      *logrus.Entry
}

// New builds a notifier. Empty topicARN or busName disables the respective
// target.
func New(snsClient SNSAPI, topicARN string, ebClient EventBridgeAPI, busName string, log *logrus.Entry) *Notifier {
	return &Notifier{sns: snsClient, topicARN: topicARN, eb: ebClient, busName: busName, log: log}
}

// SessionStatus publishes a status notification with sessionId, projectId
// and status message attributes so subscribers can filter without parsing
// the body.
func (n *Notifier) SessionStatus(ctx context.Context, snap session.Snapshot) error {
	if n.sns == nil || n.topicARN == "" {
		return nil
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = n.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"sessionId": {DataType: aws.String("String"), StringValue: aws.String(snap.SessionID)},
			"projectId": {DataType: aws.String("String"), StringValue: aws.String(snap.ProjectID)},
			"status":    {DataType: aws.String("String"), StringValue: aws.String(string(snap.Status))},
		},
	})
	if err != nil {
		return errdefs.Transient("sns.Publish", err)
	}
	return nil
}

// Audit emits one audit event for the session. Failures are logged, not
// returned: audit delivery never blocks the session lifecycle.
func (n *Notifier) Audit(ctx context.Context, detailType string, snap session.Snapshot) {
	if n.eb == nil || n.busName == "" {
		return
	}

	detail, err := json.Marshal(snap)
	if err != nil {
		n.log.WithError(err).Warn("marshal audit detail")
		return
	}
	_, err = n.eb.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			Source:       aws.String(eventSource),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			EventBusName: aws.String(n.busName),
		}},
	})
	if err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"sessionId":  snap.SessionID,
			"detailType": detailType,
		}).Warn("audit event publish failed")
	}
}
