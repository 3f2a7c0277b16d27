package provision

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

// Releaser handles explicit session shutdown requests. It is the narrow
// slice of the coordinator the update endpoint needs; it carries no token,
// admission, or readiness wiring.
type Releaser struct {
	store    Store
	launcher Launcher
	notify   Notices
	log      *logrus.Entry
}

// NewReleaser builds a releaser.
func NewReleaser(st Store, launcher Launcher, notices Notices, log *logrus.Entry) *Releaser {
	return &Releaser{store: st, launcher: launcher, notify: notices, log: log}
}

// Release on the coordinator serves handlers that already carry full
// provisioning wiring.
func (c *Coordinator) Release(ctx context.Context, sessionID string) (*session.Session, error) {
	r := &Releaser{store: c.store, launcher: c.launcher, notify: c.notify, log: c.log}
	return r.Release(ctx, sessionID)
}

// Release asks a session to shut down. Releasing a session that already
// stopped (or is stopping) is a no-op so clients can call it blindly on
// cleanup paths. Sessions still provisioning cannot be released; callers
// should retry once the session is up or let the deadline fail it.
func (r *Releaser) Release(ctx context.Context, sessionID string) (*session.Session, error) {
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch rec.InternalStatus {
	case session.Terminating, session.Stopped, session.Failed:
		return rec, nil
	case session.Creating, session.Provisioning:
		return nil, &errdefs.ConflictError{
			SessionID: sessionID,
			Msg:       "session is still provisioning and cannot be released yet",
		}
	}

	updated, err := r.store.UpdateIf(ctx, sessionID, rec.InternalStatus, store.Patch{
		To:     session.Terminating,
		Reason: "released",
		Event: &session.Event{
			EventType: "session_released",
			Source:    sourceCoordinator,
		},
	})
	if errdefs.IsConflict(err) {
		// Lost the race. If the winner was also a release (or an expiry)
		// the session is already on its way down, which is what the
		// caller wanted.
		rec, rerr := r.store.Get(ctx, sessionID)
		if rerr != nil {
			return nil, rerr
		}
		if rec.InternalStatus.Terminal() || rec.InternalStatus == session.Terminating {
			return rec, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if updated.TaskID != "" {
		if err := r.launcher.Stop(ctx, updated.TaskID, "released by client"); err != nil {
			r.log.WithError(err).WithField("taskArn", updated.TaskID).Warn("could not stop task")
		}
	}
	r.notify.Audit(ctx, notify.DetailSessionReleased, updated.Snapshot())
	r.log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"projectId": updated.ProjectID,
	}).Info("session released")
	return updated, nil
}
