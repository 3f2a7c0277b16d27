package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from InternalStatus
		to   InternalStatus
		ok   bool
	}{
		{"creating to provisioning", Creating, Provisioning, true},
		{"creating to failed", Creating, Failed, true},
		{"creating to ready skips provisioning", Creating, Ready, false},
		{"provisioning to ready", Provisioning, Ready, true},
		{"provisioning to active skips ready", Provisioning, Active, false},
		{"ready to active", Ready, Active, true},
		{"ready to terminating", Ready, Terminating, true},
		{"active back to ready", Active, Ready, true},
		{"active to terminating", Active, Terminating, true},
		{"terminating to stopped", Terminating, Stopped, true},
		{"terminating to failed", Terminating, Failed, true},
		{"stopped is a sink", Stopped, Failed, false},
		{"failed is a sink", Failed, Creating, false},
		{"ready back to provisioning", Ready, Provisioning, false},
		{"same-state patch on non-terminal", Provisioning, Provisioning, true},
		{"same-state patch on terminal", Failed, Failed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []InternalStatus{Creating, Provisioning, Ready, Active, Terminating} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
	assert.True(t, Stopped.Terminal())
	assert.True(t, Failed.Terminal())
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, StatusRunning, MapStatus(Creating, false))
	assert.Equal(t, StatusRunning, MapStatus(Provisioning, false))
	assert.Equal(t, StatusRunning, MapStatus(Ready, false))
	assert.Equal(t, StatusRunning, MapStatus(Active, false))
	assert.Equal(t, StatusCompleted, MapStatus(Terminating, false))
	assert.Equal(t, StatusCompleted, MapStatus(Stopped, false))
	assert.Equal(t, StatusError, MapStatus(Failed, false))
	assert.Equal(t, StatusTimedOut, MapStatus(Failed, true))

	// The timed-out flag only applies to failure states.
	assert.Equal(t, StatusRunning, MapStatus(Ready, true))
}

func TestLive(t *testing.T) {
	assert.True(t, Ready.Live())
	assert.True(t, Active.Live())
	assert.False(t, Creating.Live())
	assert.False(t, Provisioning.Live())
	assert.False(t, Terminating.Live())
	assert.False(t, Stopped.Live())
	assert.False(t, Failed.Live())
}
