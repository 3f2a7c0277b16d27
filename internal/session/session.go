// Package session defines the session record stored in DynamoDB, the
// lifecycle state machine around it, and the reference entities (projects,
// API keys, browser contexts) the orchestration layer reads.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxEventHistory bounds the per-session event log; older entries are
// discarded oldest-first.
const MaxEventHistory = 32

// Session is a single browser session record. Timestamps are RFC 3339 UTC
// strings except ExpiresAt, which stays a numeric epoch so DynamoDB can use
// it as a TTL attribute and as the sort key of the expiry sweep index.
type Session struct {
	ID             string         `dynamodbav:"sessionId" json:"id"`
	ProjectID      string         `dynamodbav:"projectId" json:"projectId"`
	APIKeyID       string         `dynamodbav:"apiKeyId,omitempty" json:"-"`
	Status         Status         `dynamodbav:"status" json:"status"`
	InternalStatus InternalStatus `dynamodbav:"internalStatus" json:"-"`
	StatusReason   string         `dynamodbav:"statusReason,omitempty" json:"-"`

	CreatedAt    string `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string `dynamodbav:"updatedAt" json:"updatedAt"`
	StartedAt    string `dynamodbav:"startedAt,omitempty" json:"startedAt,omitempty"`
	ReadyAt      string `dynamodbav:"readyAt,omitempty" json:"readyAt,omitempty"`
	TerminatedAt string `dynamodbav:"terminatedAt,omitempty" json:"terminatedAt,omitempty"`
	ExpiresAt    int64  `dynamodbav:"expiresAt" json:"expiresAt"`

	TaskID        string `dynamodbav:"taskId,omitempty" json:"-"`
	PublicAddress string `dynamodbav:"publicAddress,omitempty" json:"publicAddress,omitempty"`
	ConnectURL    string `dynamodbav:"connectUrl,omitempty" json:"connectUrl,omitempty"`
	SigningKey    string `dynamodbav:"signingKey,omitempty" json:"signingKey,omitempty"`
	Region        string `dynamodbav:"region,omitempty" json:"region,omitempty"`

	KeepAlive    bool              `dynamodbav:"keepAlive" json:"keepAlive"`
	ContextID    string            `dynamodbav:"contextId,omitempty" json:"contextId,omitempty"`
	UserMetadata map[string]string `dynamodbav:"userMetadata,omitempty" json:"userMetadata,omitempty"`

	EventHistory []Event `dynamodbav:"eventHistory,omitempty" json:"-"`
	RetryCount   int     `dynamodbav:"retryCount" json:"-"`
}

// Event is one entry in a session's bounded event history.
type Event struct {
	EventType string            `dynamodbav:"eventType" json:"eventType"`
	Timestamp string            `dynamodbav:"timestamp" json:"timestamp"`
	Source    string            `dynamodbav:"source" json:"source"`
	Detail    map[string]string `dynamodbav:"detail,omitempty" json:"detail,omitempty"`
}

// AppendEvent appends ev to history, dropping the oldest entries beyond
// MaxEventHistory.
func AppendEvent(history []Event, ev Event) []Event {
	history = append(history, ev)
	if n := len(history); n > MaxEventHistory {
		history = history[n-MaxEventHistory:]
	}
	return history
}

// Live reports whether the session currently accepts CDP connections.
func (s *Session) Live() bool {
	return s.InternalStatus.Live()
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}

// Snapshot is the subset of a session safe to forward through readiness
// notifications and operational events.
type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	ProjectID      string         `json:"projectId"`
	Status         Status         `json:"status"`
	InternalStatus InternalStatus `json:"internalStatus"`
	ConnectURL     string         `json:"connectUrl,omitempty"`
	PublicAddress  string         `json:"publicAddress,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Snapshot extracts the forwardable view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:      s.ID,
		ProjectID:      s.ProjectID,
		Status:         s.Status,
		InternalStatus: s.InternalStatus,
		ConnectURL:     s.ConnectURL,
		PublicAddress:  s.PublicAddress,
		Reason:         s.StatusReason,
	}
}

// Project is the tenant record sessions are admitted against.
type Project struct {
	ID                    string `dynamodbav:"projectId" json:"id"`
	Name                  string `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Status                string `dynamodbav:"status" json:"status"`
	Concurrency           int    `dynamodbav:"concurrency" json:"concurrency"`
	DefaultTimeoutSeconds int    `dynamodbav:"defaultTimeoutSeconds,omitempty" json:"defaultTimeoutSeconds,omitempty"`
	MaxTimeoutSeconds     int    `dynamodbav:"maxTimeoutSeconds,omitempty" json:"maxTimeoutSeconds,omitempty"`
}

// Active reports whether the project may create sessions.
func (p *Project) Active() bool {
	return strings.EqualFold(p.Status, "active")
}

// APIKey is the credential record keyed by the SHA-256 hash of the raw key.
type APIKey struct {
	KeyHash              string   `dynamodbav:"keyHash" json:"-"`
	APIKeyID             string   `dynamodbav:"apiKeyId" json:"apiKeyId"`
	ProjectID            string   `dynamodbav:"projectId" json:"projectId"`
	AdditionalProjectIDs []string `dynamodbav:"additionalProjectIds,omitempty" json:"additionalProjectIds,omitempty"`
	Status               string   `dynamodbav:"status" json:"status"`
}

// Active reports whether the key may authenticate requests.
func (k *APIKey) Active() bool {
	return strings.EqualFold(k.Status, "active")
}

// Context is a persisted browser profile a session can be seeded from.
type Context struct {
	ID         string `dynamodbav:"contextId" json:"id"`
	ProjectID  string `dynamodbav:"projectId" json:"projectId"`
	StorageKey string `dynamodbav:"storageKey" json:"-"`
	CreatedAt  string `dynamodbav:"createdAt" json:"createdAt"`
}

// NewID mints an opaque session identifier.
func NewID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FormatTime renders a timestamp in the flat RFC 3339 UTC form used across
// session records.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current time in record form.
func Now() string {
	return FormatTime(time.Now())
}
