package reconcile

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/notify"
	"github.com/wallcrawler/sessioncore/internal/platform"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
)

var frozen = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("component", "reconciler")
}

type fakeStore struct {
	recs     map[string]*session.Session
	queryErr error
	getErr   error
}

func (f *fakeStore) ids() []string {
	out := make([]string, 0, len(f.recs))
	for id := range f.recs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.recs[sessionID]
	if !ok {
		return nil, errdefs.NotFound("session", sessionID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpdateIf(ctx context.Context, sessionID string, expected session.InternalStatus, patch store.Patch) (*session.Session, error) {
	rec, ok := f.recs[sessionID]
	if !ok {
		return nil, errdefs.NotFound("session", sessionID)
	}
	if rec.InternalStatus != expected || !session.CanTransition(expected, patch.To) {
		return nil, &errdefs.ConflictError{SessionID: sessionID, Msg: "status changed"}
	}
	rec.InternalStatus = patch.To
	rec.Status = session.MapStatus(patch.To, patch.TimedOut)
	if patch.Reason != "" {
		rec.StatusReason = patch.Reason
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) QueryExpired(ctx context.Context, status session.InternalStatus, now time.Time, fn func(*session.Session) error) error {
	if f.queryErr != nil {
		return f.queryErr
	}
	for _, id := range f.ids() {
		rec := f.recs[id]
		if rec.InternalStatus == status && rec.ExpiresAt > 0 && rec.ExpiresAt <= now.Unix() {
			cp := *rec
			if err := fn(&cp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeStore) QueryOlderThan(ctx context.Context, status session.InternalStatus, cutoff time.Time, fn func(*session.Session) error) error {
	if f.queryErr != nil {
		return f.queryErr
	}
	mark := session.FormatTime(cutoff)
	for _, id := range f.ids() {
		rec := f.recs[id]
		if rec.InternalStatus == status && rec.CreatedAt < mark {
			cp := *rec
			if err := fn(&cp); err != nil {
				return err
			}
		}
	}
	return nil
}

type stopCall struct {
	arn    string
	reason string
}

type fakePlatform struct {
	tasks   []platform.RunningTask
	listErr error
	stops   []stopCall
}

func (f *fakePlatform) ListRunning(ctx context.Context) ([]platform.RunningTask, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tasks, nil
}

func (f *fakePlatform) Stop(ctx context.Context, taskARN, reason string) error {
	f.stops = append(f.stops, stopCall{arn: taskARN, reason: reason})
	return nil
}

type fakeNotices struct {
	audits []string
}

func (f *fakeNotices) Audit(ctx context.Context, detailType string, snap session.Snapshot) {
	f.audits = append(f.audits, detailType)
}

type fixture struct {
	rec      *Reconciler
	store    *fakeStore
	platform *fakePlatform
	notices  *fakeNotices
}

func newFixture() *fixture {
	f := &fixture{
		store:    &fakeStore{recs: map[string]*session.Session{}},
		platform: &fakePlatform{},
		notices:  &fakeNotices{},
	}
	f.rec = New(f.store, f.platform, f.notices, 10*time.Minute, testLog())
	f.rec.now = func() time.Time { return frozen }
	return f
}

func (f *fixture) seed(id string, status session.InternalStatus, age time.Duration, expired bool, taskID string) *session.Session {
	expiresAt := frozen.Add(time.Hour).Unix()
	if expired {
		expiresAt = frozen.Add(-time.Minute).Unix()
	}
	rec := &session.Session{
		ID:             id,
		ProjectID:      "proj_1",
		InternalStatus: status,
		Status:         session.MapStatus(status, false),
		CreatedAt:      session.FormatTime(frozen.Add(-age)),
		ExpiresAt:      expiresAt,
		TaskID:         taskID,
	}
	f.store.recs[id] = rec
	return rec
}

func TestRunEmpty(t *testing.T) {
	f := newFixture()

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Empty(t, f.platform.stops)
}

func TestExpiredSessionFailed(t *testing.T) {
	f := newFixture()
	f.seed("sess_a", session.Ready, time.Hour, true, "arn:task/a")
	f.seed("sess_b", session.Ready, time.Hour, false, "arn:task/b")
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/b", SessionID: "sess_b"},
	}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)

	rec := f.store.recs["sess_a"]
	assert.Equal(t, session.Failed, rec.InternalStatus)
	assert.Equal(t, session.StatusTimedOut, rec.Status)
	assert.Equal(t, "ttl_expired", rec.StatusReason)
	require.Len(t, f.platform.stops, 1)
	assert.Equal(t, stopCall{arn: "arn:task/a", reason: "session expired"}, f.platform.stops[0])
	assert.Contains(t, f.notices.audits, notify.DetailSessionExpired)

	// The live session is untouched.
	assert.Equal(t, session.Ready, f.store.recs["sess_b"].InternalStatus)
}

func TestExpiredCoversEveryLiveStatus(t *testing.T) {
	f := newFixture()
	f.seed("sess_a", session.Creating, time.Hour, true, "")
	f.seed("sess_b", session.Provisioning, time.Hour, true, "")
	f.seed("sess_c", session.Active, time.Hour, true, "")
	f.seed("sess_d", session.Terminating, time.Hour, true, "")

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Expired)
	for _, id := range []string{"sess_a", "sess_b", "sess_c", "sess_d"} {
		assert.Equal(t, session.Failed, f.store.recs[id].InternalStatus, id)
	}
}

func TestOrphanUnknownSession(t *testing.T) {
	f := newFixture()
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/ghost", SessionID: "sess_gone"},
	}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphansStopped)
	require.Len(t, f.platform.stops, 1)
	assert.Equal(t, stopCall{arn: "arn:task/ghost", reason: "orphan"}, f.platform.stops[0])
	assert.Contains(t, f.notices.audits, notify.DetailTaskOrphaned)
}

func TestOrphanTerminalSession(t *testing.T) {
	f := newFixture()
	f.seed("sess_done", session.Stopped, time.Hour, false, "arn:task/done")
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/done", SessionID: "sess_done"},
	}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphansStopped)
	assert.Equal(t, "orphan", f.platform.stops[0].reason)
}

func TestOrphanUntaggedTask(t *testing.T) {
	f := newFixture()
	f.platform.tasks = []platform.RunningTask{{ARN: "arn:task/mystery"}}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphansStopped)
}

func TestOrphanKeepsLiveSessionTask(t *testing.T) {
	f := newFixture()
	f.seed("sess_live", session.Active, time.Hour, false, "arn:task/live")
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/live", SessionID: "sess_live"},
	}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.OrphansStopped)
	assert.Empty(t, f.platform.stops)
}

func TestOrphanReadFailureKeepsTask(t *testing.T) {
	f := newFixture()
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/a", SessionID: "sess_a"},
	}
	f.store.getErr = errdefs.Transient("dynamodb.GetItem", fmt.Errorf("throttled"))

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.OrphansStopped)
	assert.Empty(t, f.platform.stops)
}

func TestStuckProvisioningFailed(t *testing.T) {
	f := newFixture()
	f.seed("sess_stuck", session.Provisioning, 15*time.Minute, false, "")
	f.seed("sess_fresh", session.Provisioning, time.Minute, false, "")

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StuckFailed)

	rec := f.store.recs["sess_stuck"]
	assert.Equal(t, session.Failed, rec.InternalStatus)
	assert.Equal(t, session.StatusError, rec.Status)
	assert.Equal(t, "stuck_provisioning", rec.StatusReason)
	assert.Contains(t, f.notices.audits, notify.DetailSessionFailed)

	assert.Equal(t, session.Provisioning, f.store.recs["sess_fresh"].InternalStatus)
}

func TestStuckSkipsRecordWithRunningTask(t *testing.T) {
	f := newFixture()
	f.seed("sess_slow", session.Creating, 15*time.Minute, false, "arn:task/slow")
	f.platform.tasks = []platform.RunningTask{
		{ARN: "arn:task/slow", SessionID: "sess_slow"},
	}

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.StuckFailed)
	assert.Equal(t, session.Creating, f.store.recs["sess_slow"].InternalStatus)
	assert.Empty(t, f.platform.stops)
}

func TestListFailureSkipsTaskSweeps(t *testing.T) {
	f := newFixture()
	f.seed("sess_a", session.Ready, time.Hour, true, "arn:task/a")
	f.seed("sess_stuck", session.Creating, 15*time.Minute, false, "")
	f.platform.listErr = errdefs.Transient("ecs.ListTasks", fmt.Errorf("throttled"))

	rep, err := f.rec.Run(context.Background())
	require.Error(t, err)
	// The TTL sweep already ran; the task sweeps were skipped.
	assert.Equal(t, 1, rep.Expired)
	assert.Zero(t, rep.OrphansStopped)
	assert.Zero(t, rep.StuckFailed)
	assert.Equal(t, session.Creating, f.store.recs["sess_stuck"].InternalStatus)
}

func TestQueryFailureReported(t *testing.T) {
	f := newFixture()
	f.store.queryErr = errdefs.Transient("dynamodb.Query", fmt.Errorf("throttled"))

	_, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
}

// Compile-time checks against the real implementations.
var (
	_ Store    = (*store.Store)(nil)
	_ Platform = (*platform.Launcher)(nil)
)
