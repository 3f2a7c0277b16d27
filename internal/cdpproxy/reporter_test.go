package cdpproxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type fakeSessions struct {
	rec     *session.Session
	gets    int
	getHook func(n int, rec *session.Session)
	getErr  []error
	updates int
	updErr  error
}

func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	if len(f.getErr) > 0 {
		err := f.getErr[0]
		f.getErr = f.getErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.rec == nil || f.rec.ID != sessionID {
		return nil, errdefs.NotFound("session", sessionID)
	}
	f.gets++
	if f.getHook != nil {
		f.getHook(f.gets, f.rec)
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeSessions) UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error) {
	if f.updErr != nil {
		err := f.updErr
		f.updErr = nil
		return nil, err
	}
	if f.rec == nil || f.rec.ID != sessionID {
		return nil, errdefs.NotFound("session", sessionID)
	}
	if !session.CanTransition(expected, patch.To) {
		return nil, &errdefs.ConflictError{SessionID: sessionID, Msg: "illegal transition"}
	}
	if f.rec.InternalStatus != expected {
		return nil, &errdefs.ConflictError{SessionID: sessionID, Msg: "status changed"}
	}
	f.updates++
	f.rec.InternalStatus = patch.To
	f.rec.Status = session.MapStatus(patch.To, patch.TimedOut)
	if patch.Reason != "" {
		f.rec.StatusReason = patch.Reason
	}
	if patch.Event != nil {
		f.rec.EventHistory = session.AppendEvent(f.rec.EventHistory, *patch.Event)
	}
	cp := *f.rec
	return &cp, nil
}

func newReporterEnv(status session.InternalStatus, addr string, keepAlive bool) (*fakeSessions, *Reporter) {
	st := &fakeSessions{rec: &session.Session{
		ID:             "sess_report000001",
		ProjectID:      "proj_1",
		InternalStatus: status,
		Status:         session.MapStatus(status, false),
		PublicAddress:  addr,
	}}
	r := NewReporter(st, "sess_report000001", keepAlive, testLog())
	r.poll = time.Millisecond
	return st, r
}

func TestAwaitAddressReturnsRecord(t *testing.T) {
	st, r := newReporterEnv(session.Provisioning, "", false)
	st.getHook = func(n int, rec *session.Session) {
		if n >= 3 {
			rec.PublicAddress = "52.1.2.3:9223"
		}
	}

	rec, err := r.AwaitAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "52.1.2.3:9223", rec.PublicAddress)
	assert.Equal(t, session.Provisioning, st.rec.InternalStatus, "waiting must not transition anything")
	assert.Zero(t, st.updates)
}

func TestAwaitAddressDeadSession(t *testing.T) {
	_, r := newReporterEnv(session.Failed, "", false)

	_, err := r.AwaitAddress(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not coming up")
}

func TestAwaitAddressHonorsContext(t *testing.T) {
	_, r := newReporterEnv(session.Provisioning, "", false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.AwaitAddress(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkReadyTransitions(t *testing.T) {
	st, r := newReporterEnv(session.Provisioning, "52.1.2.3:9223", false)

	require.NoError(t, r.MarkReady(context.Background()))

	assert.Equal(t, session.Ready, st.rec.InternalStatus)
	assert.Equal(t, session.StatusRunning, st.rec.Status)
	require.Len(t, st.rec.EventHistory, 1)
	assert.Equal(t, "chrome_ready", st.rec.EventHistory[0].EventType)
	assert.Equal(t, "wallcrawler.container", st.rec.EventHistory[0].Source)
}

func TestMarkReadyWaitsForPublicAddress(t *testing.T) {
	st, r := newReporterEnv(session.Provisioning, "", false)
	st.getHook = func(n int, rec *session.Session) {
		if n >= 3 {
			rec.PublicAddress = "52.1.2.3:9223"
		}
	}

	require.NoError(t, r.MarkReady(context.Background()))

	assert.GreaterOrEqual(t, st.gets, 3, "polls until the event router records the address")
	assert.Equal(t, session.Ready, st.rec.InternalStatus)
}

func TestMarkReadyRetriesTransientReads(t *testing.T) {
	st, r := newReporterEnv(session.Provisioning, "52.1.2.3:9223", false)
	st.getErr = []error{errdefs.Transient("get session", errors.New("throttled"))}

	require.NoError(t, r.MarkReady(context.Background()))
	assert.Equal(t, session.Ready, st.rec.InternalStatus)
}

func TestMarkReadyIdempotentAfterRestart(t *testing.T) {
	st, r := newReporterEnv(session.Ready, "52.1.2.3:9223", false)

	require.NoError(t, r.MarkReady(context.Background()))
	assert.Zero(t, st.updates, "already reported, nothing to write")
}

func TestMarkReadyDeadSession(t *testing.T) {
	for _, status := range []session.InternalStatus{session.Stopped, session.Failed} {
		_, r := newReporterEnv(status, "52.1.2.3:9223", false)
		err := r.MarkReady(context.Background())
		require.Error(t, err, "status %s", status)
		assert.Contains(t, err.Error(), "not coming up")
	}
}

func TestMarkReadyGivesUpWithContext(t *testing.T) {
	_, r := newReporterEnv(session.Provisioning, "", false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := r.MarkReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkActiveFromReady(t *testing.T) {
	st, r := newReporterEnv(session.Ready, "52.1.2.3:9223", false)

	r.MarkActive(context.Background())

	assert.Equal(t, session.Active, st.rec.InternalStatus)
	require.Len(t, st.rec.EventHistory, 1)
	assert.Equal(t, "client_connected", st.rec.EventHistory[0].EventType)
}

func TestMarkActiveSkippedOffReady(t *testing.T) {
	st, r := newReporterEnv(session.Terminating, "52.1.2.3:9223", false)

	r.MarkActive(context.Background())

	assert.Equal(t, session.Terminating, st.rec.InternalStatus)
	assert.Zero(t, st.updates)
}

func TestMarkIdleKeepAliveReturnsToReady(t *testing.T) {
	st, r := newReporterEnv(session.Active, "52.1.2.3:9223", true)

	r.MarkIdle(context.Background())

	assert.Equal(t, session.Ready, st.rec.InternalStatus)
	require.Len(t, st.rec.EventHistory, 1)
	assert.Equal(t, "clients_drained", st.rec.EventHistory[0].EventType)
}

func TestMarkIdleOneShotStaysActive(t *testing.T) {
	st, r := newReporterEnv(session.Active, "52.1.2.3:9223", false)

	r.MarkIdle(context.Background())

	assert.Equal(t, session.Active, st.rec.InternalStatus)
	assert.Zero(t, st.gets, "one-shot sessions skip the idle report entirely")
}

func TestMarkTerminating(t *testing.T) {
	st, r := newReporterEnv(session.Active, "52.1.2.3:9223", false)

	require.NoError(t, r.MarkTerminating(context.Background(), "idle_timeout"))

	assert.Equal(t, session.Terminating, st.rec.InternalStatus)
	assert.Equal(t, "idle_timeout", st.rec.StatusReason)
	require.Len(t, st.rec.EventHistory, 1)
	assert.Equal(t, "self_terminating", st.rec.EventHistory[0].EventType)
	assert.Equal(t, "idle_timeout", st.rec.EventHistory[0].Detail["reason"])
}

func TestMarkTerminatingAlreadyGoingDown(t *testing.T) {
	for _, status := range []session.InternalStatus{session.Terminating, session.Stopped, session.Failed} {
		st, r := newReporterEnv(status, "52.1.2.3:9223", false)
		require.NoError(t, r.MarkTerminating(context.Background(), "idle_timeout"), "status %s", status)
		assert.Zero(t, st.updates, "status %s", status)
	}
}

func TestMarkTerminatingLosesRace(t *testing.T) {
	st, r := newReporterEnv(session.Active, "52.1.2.3:9223", false)
	st.updErr = &errdefs.ConflictError{SessionID: "sess_report000001", Msg: "control plane won"}

	assert.NoError(t, r.MarkTerminating(context.Background(), "idle_timeout"),
		"losing to a release or expiry is not an error")
}
