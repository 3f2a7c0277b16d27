// Package reconcile is the scheduled sweeper that repairs drift between the
// session store and the container fleet: expired sessions are failed, tasks
// without a live session are stopped, and records stuck provisioning with no
// task behind them are closed out.
package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

const sourceReconciler = "wallcrawler.reconciler"

// nonTerminal lists every status the TTL sweep covers.
var nonTerminal = []session.InternalStatus{
	session.Creating,
	session.Provisioning,
	session.Ready,
	session.Active,
	session.Terminating,
}

// provisioningStates are the statuses the stuck sweep covers.
var provisioningStates = []session.InternalStatus{
	session.Creating,
	session.Provisioning,
}

// Store is the persistence surface the reconciler sweeps.
type Store interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error)
	QueryExpired(ctx context.Context, status session.InternalStatus, now time.Time, fn func(*session.Session) error) error
	QueryOlderThan(ctx context.Context, status session.InternalStatus, cutoff time.Time, fn func(*session.Session) error) error
}

// Platform lists and stops cluster tasks.
type Platform interface {
	ListRunning(ctx context.Context) ([]platform.RunningTask, error)
	Stop(ctx context.Context, taskARN, reason string) error
}

// Notices is the audit sink.
type Notices interface {
	Audit(ctx context.Context, detailType string, snap session.Snapshot)
}

// Report summarizes one reconciliation run.
type Report struct {
	Expired        int `json:"expired"`
	OrphansStopped int `json:"orphansStopped"`
	StuckFailed    int `json:"stuckFailed"`
}

// Reconciler runs the three sweeps.
type Reconciler struct {
	store    Store
	platform Platform
	notify   Notices
	stuckAge time.Duration
	log      *logrus.Entry

	now func() time.Time
}

// New builds a reconciler. stuckAge is how long a record may sit in
// CREATING or PROVISIONING before the stuck sweep fails it.
func New(st Store, pf Platform, notices Notices, stuckAge time.Duration, log *logrus.Entry) *Reconciler {
	return &Reconciler{
		store:    st,
		platform: pf,
		notify:   notices,
		stuckAge: stuckAge,
		log:      log,
		now:      time.Now,
	}
}

// Run performs one reconciliation pass. Every write goes through the
// conditional store update, so racing the live path just skips the record.
// A partial run still returns its report; the error notes the first sweep
// failure so the schedule can retry.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	note(r.sweepExpired(ctx, &rep))

	tasks, err := r.platform.ListRunning(ctx)
	if err != nil {
		// Without the task listing neither the orphan nor the stuck
		// sweep can act safely.
		r.log.WithError(err).Warn("could not list running tasks")
		note(err)
		return rep, firstErr
	}

	running := r.sweepOrphans(ctx, tasks, &rep)
	note(r.sweepStuck(ctx, running, &rep))

	r.log.WithFields(logrus.Fields{
		"expired":        rep.Expired,
		"orphansStopped": rep.OrphansStopped,
		"stuckFailed":    rep.StuckFailed,
	}).Info("reconcile complete")
	return rep, firstErr
}

// sweepExpired fails every non-terminal session whose TTL has passed.
func (r *Reconciler) sweepExpired(ctx context.Context, rep *Report) error {
	now := r.now()
	var firstErr error
	for _, status := range nonTerminal {
		err := r.store.QueryExpired(ctx, status, now, func(rec *session.Session) error {
			updated, err := r.store.UpdateIf(ctx, rec.ID, rec.InternalStatus, store.Patch{
				To:       session.Failed,
				Reason:   "ttl_expired",
				TimedOut: true,
				Event: &session.Event{
					EventType: "session_expired",
					Source:    sourceReconciler,
				},
			})
			if errdefs.IsConflict(err) {
				r.log.WithField("sessionId", rec.ID).Debug("expiry lost race, skipping")
				return nil
			}
			if err != nil {
				return err
			}
			r.stopTask(ctx, rec.TaskID, "session expired")
			r.notify.Audit(ctx, notify.DetailSessionExpired, updated.Snapshot())
			r.log.WithFields(logrus.Fields{
				"sessionId": rec.ID,
				"projectId": rec.ProjectID,
			}).Info("session expired")
			rep.Expired++
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sweepOrphans stops tasks whose session no longer exists or is already
// terminal, and returns the set of session ids that do have a running task.
func (r *Reconciler) sweepOrphans(ctx context.Context, tasks []platform.RunningTask, rep *Report) map[string]struct{} {
	running := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.SessionID == "" {
			r.stopOrphan(ctx, task, session.Snapshot{}, rep)
			continue
		}
		rec, err := r.store.Get(ctx, task.SessionID)
		switch {
		case errdefs.IsNotFound(err):
			r.stopOrphan(ctx, task, session.Snapshot{SessionID: task.SessionID}, rep)
		case err != nil:
			// Never stop a task on a failed read; the next run decides.
			r.log.WithError(err).WithField("sessionId", task.SessionID).Warn("orphan check read failed")
			running[task.SessionID] = struct{}{}
		case rec.InternalStatus.Terminal():
			r.stopOrphan(ctx, task, rec.Snapshot(), rep)
		default:
			running[task.SessionID] = struct{}{}
		}
	}
	return running
}

func (r *Reconciler) stopOrphan(ctx context.Context, task platform.RunningTask, snap session.Snapshot, rep *Report) {
	if err := r.platform.Stop(ctx, task.ARN, "orphan"); err != nil {
		r.log.WithError(err).WithField("taskArn", task.ARN).Warn("could not stop orphan task")
		return
	}
	r.notify.Audit(ctx, notify.DetailTaskOrphaned, snap)
	r.log.WithFields(logrus.Fields{
		"taskArn":   task.ARN,
		"sessionId": task.SessionID,
	}).Info("orphan task stopped")
	rep.OrphansStopped++
}

// sweepStuck fails records that have sat in CREATING or PROVISIONING beyond
// the stuck cutoff with no running task to show for it.
func (r *Reconciler) sweepStuck(ctx context.Context, running map[string]struct{}, rep *Report) error {
	cutoff := r.now().Add(-r.stuckAge)
	var firstErr error
	for _, status := range provisioningStates {
		err := r.store.QueryOlderThan(ctx, status, cutoff, func(rec *session.Session) error {
			if _, ok := running[rec.ID]; ok {
				// A task is still coming up; the provisioning
				// deadline or the event router will settle it.
				return nil
			}
			updated, err := r.store.UpdateIf(ctx, rec.ID, rec.InternalStatus, store.Patch{
				To:     session.Failed,
				Reason: "stuck_provisioning",
				Event: &session.Event{
					EventType: "stuck_provisioning",
					Source:    sourceReconciler,
				},
			})
			if errdefs.IsConflict(err) {
				return nil
			}
			if err != nil {
				return err
			}
			r.notify.Audit(ctx, notify.DetailSessionFailed, updated.Snapshot())
			r.log.WithFields(logrus.Fields{
				"sessionId": rec.ID,
				"projectId": rec.ProjectID,
			}).Warn("stuck provisioning record failed")
			rep.StuckFailed++
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reconciler) stopTask(ctx context.Context, taskARN, reason string) {
	if taskARN == "" {
		return
	}
	if err := r.platform.Stop(ctx, taskARN, reason); err != nil {
		r.log.WithError(err).WithField("taskArn", taskARN).Warn("could not stop task")
	}
}
