package cdpproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

const (
	sourceContainer = "wallcrawler.container"

	// readyPollInterval paces the wait for the event router to record the
	// task's public address.
	readyPollInterval = 2 * time.Second
)

// Sessions is the slice of the store the container needs.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error)
}

// Reporter writes the container's connection-driven state changes to the
// session record. Every write is conditional; losing a race to the control
// plane (release, expiry) is always a skip.
type Reporter struct {
	store     Sessions
	sessionID string
	keepAlive bool
	log       *logrus.Entry
	poll      time.Duration
}

// NewReporter builds a reporter for this container's session.
func NewReporter(st Sessions, sessionID string, keepAlive bool, log *logrus.Entry) *Reporter {
	return &Reporter{
		store:     st,
		sessionID: sessionID,
		keepAlive: keepAlive,
		log:       log,
		poll:      readyPollInterval,
	}
}

// AwaitAddress blocks until the event router has recorded the task's public
// address and returns the record carrying it. The proxy cannot rewrite
// debugger URLs before the address is known.
func (r *Reporter) AwaitAddress(ctx context.Context) (*session.Session, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		rec, err := r.store.Get(ctx, r.sessionID)
		switch {
		case err != nil && !errdefs.IsTransient(err):
			return nil, err
		case err == nil && rec.InternalStatus.Terminal():
			return nil, fmt.Errorf("session %s is %s, not coming up", r.sessionID, rec.InternalStatus)
		case err == nil && rec.PublicAddress != "":
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// MarkReady performs the container's readiness self-report: it waits for the
// event router to record the task's public address, then transitions
// PROVISIONING→READY. Blocks until reported, the session dies, or ctx
// expires.
func (r *Reporter) MarkReady(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		rec, err := r.store.Get(ctx, r.sessionID)
		switch {
		case err != nil && !errdefs.IsTransient(err):
			return err
		case err == nil && rec.InternalStatus == session.Ready:
			// Already reported; container restarted mid-session.
			return nil
		case err == nil && rec.InternalStatus.Terminal():
			return fmt.Errorf("session %s is %s, not coming up", r.sessionID, rec.InternalStatus)
		case err == nil && rec.InternalStatus == session.Provisioning && rec.PublicAddress != "":
			_, uerr := r.store.UpdateIf(ctx, r.sessionID, session.Provisioning, store.Patch{
				To: session.Ready,
				Event: &session.Event{
					EventType: "chrome_ready",
					Source:    sourceContainer,
				},
			})
			if uerr == nil {
				r.log.Info("session ready")
				return nil
			}
			if !errdefs.IsConflict(uerr) && !errdefs.IsTransient(uerr) {
				return uerr
			}
			// Conflict: re-read decides on the next tick.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MarkActive records the first client connection: READY→ACTIVE.
func (r *Reporter) MarkActive(ctx context.Context) {
	r.transition(ctx, session.Ready, session.Active, "client_connected")
}

// MarkIdle records the last client dropping. Only keep-alive sessions hop
// back to READY; one-shot sessions stay ACTIVE until the watchdog ends them.
func (r *Reporter) MarkIdle(ctx context.Context) {
	if !r.keepAlive {
		return
	}
	r.transition(ctx, session.Active, session.Ready, "clients_drained")
}

// MarkTerminating flags the session as shutting down on behalf of the idle
// watchdog. The ECS STOPPED event settles the record afterwards.
func (r *Reporter) MarkTerminating(ctx context.Context, reason string) error {
	rec, err := r.store.Get(ctx, r.sessionID)
	if err != nil {
		return err
	}
	if rec.InternalStatus.Terminal() || rec.InternalStatus == session.Terminating {
		return nil
	}
	_, err = r.store.UpdateIf(ctx, r.sessionID, rec.InternalStatus, store.Patch{
		To:     session.Terminating,
		Reason: reason,
		Event: &session.Event{
			EventType: "self_terminating",
			Source:    sourceContainer,
			Detail:    map[string]string{"reason": reason},
		},
	})
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func (r *Reporter) transition(ctx context.Context, from, to session.InternalStatus, eventType string) {
	rec, err := r.store.Get(ctx, r.sessionID)
	if err != nil {
		r.log.WithError(err).Warn("could not load session for state report")
		return
	}
	if rec.InternalStatus != from {
		r.log.WithFields(logrus.Fields{
			"status": rec.InternalStatus,
			"wanted": from,
		}).Debug("skipping state report")
		return
	}
	_, err = r.store.UpdateIf(ctx, r.sessionID, from, store.Patch{
		To: to,
		Event: &session.Event{
			EventType: eventType,
			Source:    sourceContainer,
		},
	})
	if err != nil && !errdefs.IsConflict(err) {
		r.log.WithError(err).Warn("state report failed")
	}
}
