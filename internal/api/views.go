package api

import (
	"github.com/wallcrawler/sessioncore/internal/session"
)

// SessionView is the client-facing projection of a session record. The
// internal status, task placement, and event history never leave the
// backend.
type SessionView struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"projectId"`
	Status       session.Status    `json:"status"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
	StartedAt    string            `json:"startedAt,omitempty"`
	ReadyAt      string            `json:"readyAt,omitempty"`
	TerminatedAt string            `json:"terminatedAt,omitempty"`
	ExpiresAt    int64             `json:"expiresAt"`
	KeepAlive    bool              `json:"keepAlive"`
	ContextID    string            `json:"contextId,omitempty"`
	Region       string            `json:"region,omitempty"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`

	ConnectURL    string `json:"connectUrl,omitempty"`
	PublicAddress string `json:"publicAddress,omitempty"`
	SigningKey    string `json:"signingKey,omitempty"`
}

// NewSessionView projects rec for a client. Connection endpoints appear only
// while the session is live; includeKey additionally grants the signing key
// (single-session reads by the owning key, never listings).
func NewSessionView(rec *session.Session, includeKey bool) SessionView {
	v := SessionView{
		ID:           rec.ID,
		ProjectID:    rec.ProjectID,
		Status:       rec.Status,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		StartedAt:    rec.StartedAt,
		ReadyAt:      rec.ReadyAt,
		TerminatedAt: rec.TerminatedAt,
		ExpiresAt:    rec.ExpiresAt,
		KeepAlive:    rec.KeepAlive,
		ContextID:    rec.ContextID,
		Region:       rec.Region,
		UserMetadata: rec.UserMetadata,
	}
	if rec.Live() {
		v.ConnectURL = rec.ConnectURL
		v.PublicAddress = rec.PublicAddress
		if includeKey {
			v.SigningKey = rec.SigningKey
		}
	}
	return v
}

// NewSessionViews projects a list page.
func NewSessionViews(recs []*session.Session) []SessionView {
	views := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, NewSessionView(rec, false))
	}
	return views
}
