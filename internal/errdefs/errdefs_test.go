package errdefs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"validation", Validation("timeout", "must be positive"), IsValidation},
		{"unauthorized", Unauthorized("missing key"), IsAuth},
		{"forbidden", Forbidden("project mismatch"), IsForbidden},
		{"not found", NotFound("session", "sess_x"), IsNotFound},
		{"concurrency", &ConcurrencyExceededError{ProjectID: "p", Limit: 2}, IsConcurrencyExceeded},
		{"conflict", &ConflictError{SessionID: "sess_x", Msg: "status changed"}, IsConflict},
		{"provisioning timeout", &ProvisioningTimeoutError{SessionID: "sess_x", Deadline: 45 * time.Second}, IsProvisioningTimeout},
		{"provisioning failed", &ProvisioningFailedError{SessionID: "sess_x", Reason: "launch_error"}, IsProvisioningFailed},
		{"transient", Transient("dynamodb.GetItem", errors.New("throttled")), IsTransient},
		{"fatal", &FatalError{Op: "config", Err: errors.New("bad value")}, IsFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.pred(tt.err))
			assert.True(t, tt.pred(fmt.Errorf("wrapped: %w", tt.err)))
			assert.False(t, tt.pred(errors.New("plain")))
		})
	}
}

func TestForbiddenIsAlsoAuth(t *testing.T) {
	err := Forbidden("not your project")
	assert.True(t, IsAuth(err))
	assert.True(t, IsForbidden(err))
	assert.False(t, IsForbidden(Unauthorized("bad key")))
}

func TestTransientUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := Transient("redis.Publish", inner)
	assert.ErrorIs(t, err, inner)
}
