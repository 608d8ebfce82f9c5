package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: host unreachable" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"cancellation", context.Canceled, false},
		{"wrapped cancellation", fmt.Errorf("step: %w", context.Canceled), false},
		{"output schema mismatch", &capability.OutputValidationError{Violations: []string{"/x: wrong type"}}, false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"assertion error", schema.NewError(schema.ErrCodeAssertion, "expected 3"), false},
		{"execution error", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"timeout error", schema.NewError(schema.ErrCodeTimeout, "attempt timed out"), true},
		{"net error", fakeNetError{}, true},
		{"connection refused text", errors.New("dial: connection refused"), true},
		{"service unavailable text", errors.New("503 Service Unavailable"), true},
		{"unknown plain error defaults to retryable", errors.New("something odd"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := config.EffectiveConfig{
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
	}

	exp := base
	exp.Backoff = config.BackoffExponential
	assert.Equal(t, time.Second, ComputeBackoff(exp, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(exp, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(exp, 2))
	assert.Equal(t, 16*time.Second, ComputeBackoff(exp, 4))
	// Capped at MaxDelay.
	assert.Equal(t, 30*time.Second, ComputeBackoff(exp, 10))

	lin := base
	lin.Backoff = config.BackoffLinear
	assert.Equal(t, time.Second, ComputeBackoff(lin, 0))
	assert.Equal(t, 3*time.Second, ComputeBackoff(lin, 2))

	con := base
	con.Backoff = config.BackoffConstant
	assert.Equal(t, time.Second, ComputeBackoff(con, 0))
	assert.Equal(t, time.Second, ComputeBackoff(con, 7))

	none := base
	none.Backoff = config.BackoffNone
	assert.Equal(t, time.Duration(0), ComputeBackoff(none, 3))

	zero := config.EffectiveConfig{Backoff: config.BackoffExponential}
	assert.Equal(t, time.Duration(0), ComputeBackoff(zero, 2))
}

func TestWaitForBackoff(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	require.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
