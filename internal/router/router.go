package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

const (
	sourceRouter = "wallcrawler.router"

	dedupSize = 4096
	dedupTTL  = 5 * time.Minute
)

// Store is the session persistence the router mutates.
type Store interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error)
}

// Platform resolves task network details and tag fallbacks.
type Platform interface {
	PublicIP(ctx context.Context, eniID string) (string, error)
	TaskENI(ctx context.Context, taskARN string) (string, error)
	TaskSessionID(ctx context.Context, taskARN string) (string, error)
}

// Publisher wakes readiness waiters.
type Publisher interface {
	Publish(ctx context.Context, ev broker.Event) error
}

// Notices publishes the operational surfaces fed by state changes.
type Notices interface {
	SessionStatus(ctx context.Context, snap session.Snapshot) error
	Audit(ctx context.Context, detailType string, snap session.Snapshot)
}

// Router applies task lifecycle events and session state changes.
type Router struct {
	store     Store
	platform  Platform
	broker    Publisher
	notify    Notices
	proxyPort int
	log       *logrus.Entry

	// seen suppresses duplicate stream deliveries within one instance.
	// Cross-instance duplicates remain possible; downstream consumers are
	// built for at-least-once.
	seen *lru.LRU[string, struct{}]
}

// New builds a router. proxyPort is the port the session container's CDP
// proxy listens on, used to compose public addresses.
func New(st Store, pf Platform, pub Publisher, notices Notices, proxyPort int, log *logrus.Entry) *Router {
	return &Router{
		store:     st,
		platform:  pf,
		broker:    pub,
		notify:    notices,
		proxyPort: proxyPort,
		log:       log,
		seen:      lru.NewLRU[string, struct{}](dedupSize, nil, dedupTTL),
	}
}

// HandleLifecycle applies one ECS task state change to the session record.
// Events for sessions already past the implied state are dropped: the
// platform redelivers and reorders events, so conflicts here are normal.
func (r *Router) HandleLifecycle(ctx context.Context, ev *LifecycleEvent) error {
	if ev == nil {
		return nil
	}

	sessionID := ev.SessionID
	if sessionID == "" {
		id, err := r.platform.TaskSessionID(ctx, ev.TaskARN)
		if err != nil {
			r.log.WithError(err).WithField("taskArn", ev.TaskARN).Warn("task has no session attribution, skipping")
			return nil
		}
		sessionID = id
	}
	log := r.log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"taskArn":   ev.TaskARN,
		"phase":     ev.Phase,
	})

	switch ev.Phase {
	case PhasePending:
		return r.taskPending(ctx, log, sessionID, ev)
	case PhaseRunning:
		return r.taskRunning(ctx, log, sessionID, ev)
	case PhaseStopped:
		return r.taskStopped(ctx, log, sessionID, ev)
	default:
		return nil
	}
}

func (r *Router) taskPending(ctx context.Context, log *logrus.Entry, sessionID string, ev *LifecycleEvent) error {
	_, err := r.store.UpdateIf(ctx, sessionID, session.Creating, store.Patch{
		To:     session.Provisioning,
		TaskID: ev.TaskARN,
		Event: &session.Event{
			EventType: "task_pending",
			Source:    sourceRouter,
			Detail:    map[string]string{"taskArn": ev.TaskARN},
		},
	})
	switch {
	case err == nil:
		return nil
	case errdefs.IsConflict(err):
		log.Debug("pending event arrived after provisioning began")
		return nil
	case errdefs.IsNotFound(err):
		log.Warn("pending event for unknown session")
		return nil
	default:
		return err
	}
}

func (r *Router) taskRunning(ctx context.Context, log *logrus.Entry, sessionID string, ev *LifecycleEvent) error {
	rec, err := r.store.Get(ctx, sessionID)
	if errdefs.IsNotFound(err) {
		log.Warn("running event for unknown session")
		return nil
	}
	if err != nil {
		return err
	}

	// A lost PENDING event leaves the record in CREATING; catch it up first.
	if rec.InternalStatus == session.Creating {
		rec, err = r.store.UpdateIf(ctx, sessionID, session.Creating, store.Patch{
			To:     session.Provisioning,
			TaskID: ev.TaskARN,
			Event: &session.Event{
				EventType: "task_pending",
				Source:    sourceRouter,
				Detail:    map[string]string{"taskArn": ev.TaskARN},
			},
		})
		if errdefs.IsConflict(err) {
			rec, err = r.store.Get(ctx, sessionID)
		}
		if err != nil {
			return err
		}
	}
	if rec.InternalStatus != session.Provisioning {
		log.Debug("running event for session no longer provisioning")
		return nil
	}

	eniID := ev.ENIID
	if eniID == "" {
		eniID, err = r.platform.TaskENI(ctx, ev.TaskARN)
		if err != nil {
			return err
		}
	}
	ip, err := r.platform.PublicIP(ctx, eniID)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(r.proxyPort))
	_, err = r.store.UpdateIf(ctx, sessionID, session.Provisioning, store.Patch{
		To:            session.Provisioning,
		TaskID:        ev.TaskARN,
		PublicAddress: addr,
		ConnectURL:    fmt.Sprintf("wss://%s/cdp?token=%s", addr, rec.SigningKey),
		Event: &session.Event{
			EventType: "task_running",
			Source:    sourceRouter,
			Detail:    map[string]string{"publicAddress": addr},
		},
	})
	if errdefs.IsConflict(err) {
		log.Debug("address patch lost to a concurrent transition")
		return nil
	}
	return err
}

func (r *Router) taskStopped(ctx context.Context, log *logrus.Entry, sessionID string, ev *LifecycleEvent) error {
	rec, err := r.store.Get(ctx, sessionID)
	if errdefs.IsNotFound(err) {
		log.Warn("stopped event for unknown session")
		return nil
	}
	if err != nil {
		return err
	}
	if rec.InternalStatus.Terminal() {
		return nil
	}

	detail := map[string]string{"taskArn": ev.TaskARN}
	if ev.StopReason != "" {
		detail["stoppedReason"] = ev.StopReason
	}

	if rec.InternalStatus == session.Terminating {
		_, err = r.store.UpdateIf(ctx, sessionID, session.Terminating, store.Patch{
			To:    session.Stopped,
			Event: &session.Event{EventType: "task_stopped", Source: sourceRouter, Detail: detail},
		})
		if errdefs.IsConflict(err) {
			return nil
		}
		return err
	}

	// The task died without a termination request. Exit code zero still
	// counts as a failure because the session never asked to stop.
	reason := "unexpected_exit"
	if ev.ExitCode != nil {
		reason = fmt.Sprintf("container_exit_%d", *ev.ExitCode)
	}
	_, err = r.store.UpdateIf(ctx, sessionID, rec.InternalStatus, store.Patch{
		To:     session.Failed,
		Reason: reason,
		Event:  &session.Event{EventType: "task_stopped", Source: sourceRouter, Detail: detail},
	})
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

// HandleStateChange fans one session record change out to readiness waiters
// and the notification topic. Deliveries are at-least-once, so reprocessing
// the same transition is tolerated; an in-process cache trims the bulk of
// the duplicates.
func (r *Router) HandleStateChange(ctx context.Context, before, after *session.Session) error {
	if after == nil {
		return nil
	}

	becameReady := after.InternalStatus == session.Ready &&
		(before == nil || before.InternalStatus != session.Ready)
	becameTerminal := after.InternalStatus.Terminal() &&
		(before == nil || !before.InternalStatus.Terminal())
	if !becameReady && !becameTerminal {
		return nil
	}

	dedupKey := after.ID + "|" + string(after.InternalStatus)
	if _, dup := r.seen.Get(dedupKey); dup {
		return nil
	}

	snap := after.Snapshot()
	log := r.log.WithFields(logrus.Fields{
		"sessionId": after.ID,
		"status":    after.InternalStatus,
	})

	if becameReady {
		if err := r.broker.Publish(ctx, broker.Event{
			Kind:      broker.KindReady,
			SessionID: after.ID,
			Snapshot:  snap,
		}); err != nil {
			return err
		}
		log.Info("session ready, waiters notified")
	}
	if becameTerminal && after.InternalStatus == session.Failed {
		if err := r.broker.Publish(ctx, broker.Event{
			Kind:      broker.KindFailed,
			SessionID: after.ID,
			Reason:    after.StatusReason,
			Snapshot:  snap,
		}); err != nil {
			return err
		}
		r.notify.Audit(ctx, notify.DetailSessionFailed, snap)
		log.WithField("reason", after.StatusReason).Info("session failed, waiters notified")
	}

	if err := r.notify.SessionStatus(ctx, snap); err != nil {
		return err
	}

	r.seen.Add(dedupKey, struct{}{})
	return nil
}
