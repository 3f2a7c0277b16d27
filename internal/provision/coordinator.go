// Package provision bridges the synchronous create-session API onto the
// asynchronous container lifecycle. The coordinator admits the request,
// writes the initial record, launches the task, then blocks until the
// session becomes ready, fails, or the provisioning deadline passes.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

const (
	sourceCoordinator = "wallcrawler.coordinator"

	// idAttempts bounds retries on session id collisions.
	idAttempts = 3
	// pollInterval is the fallback re-read cadence while blocked on the
	// readiness waiter, covering lost bus notifications.
	pollInterval = 5 * time.Second
)

// Store is the persistence surface the coordinator uses.
type Store interface {
	Create(ctx context.Context, rec *session.Session) error
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error)
	GetContext(ctx context.Context, contextID, projectID string) (*session.Context, error)
}

// Launcher starts and stops session tasks.
type Launcher interface {
	Launch(ctx context.Context, spec platform.LaunchSpec) (string, error)
	Stop(ctx context.Context, taskARN, reason string) error
}

// TokenIssuer mints the session's CDP access token.
type TokenIssuer interface {
	Issue(ctx context.Context, sessionID, projectID string, expiresAt time.Time) (string, error)
}

// Waiters is the readiness subscription surface.
type Waiters interface {
	Subscribe(sessionID string) *broker.Waiter
	Unsubscribe(w *broker.Waiter)
}

// Admitter decides whether a project may start a session.
type Admitter interface {
	Admit(ctx context.Context, projectID string) (*session.Project, error)
}

// Profiles mints context profile downloads for launching containers.
type Profiles interface {
	ProfileURL(ctx context.Context, storageKey string) (string, error)
}

// Notices is the audit sink.
type Notices interface {
	Audit(ctx context.Context, detailType string, snap session.Snapshot)
}

// Config carries the coordinator's tunables.
type Config struct {
	ProvisionDeadline     time.Duration
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	Region                string
}

// CreateInput is a validated session creation request.
type CreateInput struct {
	ProjectID      string
	APIKeyID       string
	TimeoutSeconds int
	KeepAlive      bool
	ContextID      string
	UserMetadata   map[string]string
}

// Coordinator drives session creation and release.
type Coordinator struct {
	store    Store
	launcher Launcher
	tokens   TokenIssuer
	waiters  Waiters
	guard    Admitter
	profiles Profiles
	notify   Notices
	cfg      Config
	log      *logrus.Entry

	now   func() time.Time
	newID func() string
}

// New builds a coordinator. profiles may be nil when no artifact bucket is
// configured; sessions then launch without seeded browser profiles.
func New(st Store, launcher Launcher, tokens TokenIssuer, waiters Waiters, guard Admitter, profiles Profiles, notices Notices, cfg Config, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		store:    st,
		launcher: launcher,
		tokens:   tokens,
		waiters:  waiters,
		guard:    guard,
		profiles: profiles,
		notify:   notices,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		newID:    session.NewID,
	}
}

// CreateSession provisions a browser session and blocks until it is ready.
// On success the returned record carries the connect URL and signing key the
// client needs. Failures and deadline overruns leave the record FAILED and
// the task stopped, so nothing keeps billing after an error response.
func (c *Coordinator) CreateSession(ctx context.Context, input CreateInput) (*session.Session, error) {
	proj, err := c.guard.Admit(ctx, input.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := admission.ValidateMetadata(input.UserMetadata); err != nil {
		return nil, err
	}
	timeout, err := admission.NormalizeTimeout(input.TimeoutSeconds, proj, c.cfg.DefaultTimeoutSeconds, c.cfg.MaxTimeoutSeconds)
	if err != nil {
		return nil, err
	}

	var profileURL string
	if input.ContextID != "" {
		bc, err := c.store.GetContext(ctx, input.ContextID, input.ProjectID)
		if err != nil {
			return nil, err
		}
		if c.profiles != nil {
			profileURL, err = c.profiles.ProfileURL(ctx, bc.StorageKey)
			if err != nil {
				return nil, err
			}
		}
	}

	now := c.now()
	expiresAt := now.Add(time.Duration(timeout) * time.Second)

	rec, err := c.createRecord(ctx, input, now, expiresAt)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{
		"sessionId": rec.ID,
		"projectId": rec.ProjectID,
	})

	// Subscribe before launching so the readiness signal cannot slip
	// between the container coming up and the wait beginning.
	w := c.waiters.Subscribe(rec.ID)
	defer c.waiters.Unsubscribe(w)

	taskARN, err := c.launcher.Launch(ctx, platform.LaunchSpec{
		SessionID:         rec.ID,
		ProjectID:         rec.ProjectID,
		SessionToken:      rec.SigningKey,
		KeepAlive:         rec.KeepAlive,
		ExpiresAt:         rec.ExpiresAt,
		ContextProfileURL: profileURL,
	})
	if err != nil {
		log.WithError(err).Error("task launch failed")
		c.failProvisioning(ctx, rec.ID, "launch_error", false)
		return nil, &errdefs.ProvisioningFailedError{SessionID: rec.ID, Reason: "launch_error"}
	}

	// Record the task for the reconciler. Losing this patch to the event
	// router is fine; it writes the same task id.
	if _, err := c.store.UpdateIf(ctx, rec.ID, session.Creating, store.Patch{
		To:     session.Creating,
		TaskID: taskARN,
	}); err != nil && !errdefs.IsConflict(err) {
		log.WithError(err).Warn("could not record task id")
	}

	return c.await(ctx, log, rec.ID, taskARN, w)
}

func (c *Coordinator) createRecord(ctx context.Context, input CreateInput, now, expiresAt time.Time) (*session.Session, error) {
	stamp := session.FormatTime(now)
	for attempt := 0; attempt < idAttempts; attempt++ {
		id := c.newID()
		tok, err := c.tokens.Issue(ctx, id, input.ProjectID, expiresAt)
		if err != nil {
			return nil, err
		}

		rec := &session.Session{
			ID:             id,
			ProjectID:      input.ProjectID,
			APIKeyID:       input.APIKeyID,
			InternalStatus: session.Creating,
			Status:         session.StatusRunning,
			CreatedAt:      stamp,
			UpdatedAt:      stamp,
			ExpiresAt:      expiresAt.Unix(),
			SigningKey:     tok,
			KeepAlive:      input.KeepAlive,
			ContextID:      input.ContextID,
			UserMetadata:   input.UserMetadata,
			Region:         c.cfg.Region,
			EventHistory: []session.Event{{
				EventType: "session_created",
				Timestamp: stamp,
				Source:    sourceCoordinator,
			}},
		}
		err = c.store.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errdefs.IsConflict(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not allocate an unused session id after %d attempts", idAttempts)
}

// await blocks until readiness, failure, or the provisioning deadline.
func (c *Coordinator) await(ctx context.Context, log *logrus.Entry, sessionID, taskARN string, w *broker.Waiter) (*session.Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ProvisionDeadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.store.Get(ctx, sessionID)
		if err != nil && !errdefs.IsTransient(err) {
			return nil, err
		}
		if err == nil {
			switch {
			case rec.InternalStatus == session.Ready:
				c.notify.Audit(ctx, notify.DetailSessionCreated, rec.Snapshot())
				log.Info("session ready")
				return rec, nil
			case rec.InternalStatus.Terminal():
				return nil, &errdefs.ProvisioningFailedError{SessionID: sessionID, Reason: rec.StatusReason}
			}
		}

		select {
		case ev := <-w.C():
			if ev.Kind == broker.KindFailed {
				log.WithField("reason", ev.Reason).Warn("provisioning failed")
				c.stopTask(ctx, taskARN, "provisioning failed")
				return nil, &errdefs.ProvisioningFailedError{SessionID: sessionID, Reason: ev.Reason}
			}
			// Ready: loop re-reads the authoritative record.
		case <-ticker.C:
			// Fallback poll in case the readiness notification was lost.
		case <-waitCtx.Done():
			return c.timedOut(ctx, log, sessionID, taskARN)
		}
	}
}

// timedOut handles the deadline path: one final read decides between a
// photo-finish success and marking the session failed.
func (c *Coordinator) timedOut(ctx context.Context, log *logrus.Entry, sessionID, taskARN string) (*session.Session, error) {
	rec, err := c.store.Get(ctx, sessionID)
	if err == nil && rec.InternalStatus == session.Ready {
		c.notify.Audit(ctx, notify.DetailSessionCreated, rec.Snapshot())
		return rec, nil
	}

	log.Warn("provisioning deadline exceeded")
	c.failProvisioning(ctx, sessionID, "provision_timeout", true)
	c.stopTask(ctx, taskARN, "provision timeout")
	return nil, &errdefs.ProvisioningTimeoutError{SessionID: sessionID, Deadline: c.cfg.ProvisionDeadline}
}

// failProvisioning drives the record to FAILED from whatever non-terminal
// state it is in. Best-effort: a concurrent transition that wins the write
// is as good as ours.
func (c *Coordinator) failProvisioning(ctx context.Context, sessionID, reason string, timedOut bool) {
	rec, err := c.store.Get(ctx, sessionID)
	if err != nil {
		c.log.WithError(err).WithField("sessionId", sessionID).Warn("could not load session to fail it")
		return
	}
	if rec.InternalStatus.Terminal() {
		return
	}
	_, err = c.store.UpdateIf(ctx, sessionID, rec.InternalStatus, store.Patch{
		To:       session.Failed,
		Reason:   reason,
		TimedOut: timedOut,
		Event: &session.Event{
			EventType: "provisioning_failed",
			Source:    sourceCoordinator,
			Detail:    map[string]string{"reason": reason},
		},
	})
	if err != nil && !errdefs.IsConflict(err) {
		c.log.WithError(err).WithField("sessionId", sessionID).Warn("could not mark session failed")
	}
}

func (c *Coordinator) stopTask(ctx context.Context, taskARN, reason string) {
	if taskARN == "" {
		return
	}
	if err := c.launcher.Stop(ctx, taskARN, reason); err != nil {
		c.log.WithError(err).WithField("taskArn", taskARN).Warn("could not stop task")
	}
}
