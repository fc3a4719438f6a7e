//go:build unit

package circuitbreaker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no trip condition", cfg: Config{}, wantErr: "at least one trip condition must be set"},
		{name: "negative ratio", cfg: Config{ConsecutiveFailures: 5, FailureRatio: -0.1}, wantErr: "FailureRatio must be between 0 and 1"},
		{name: "ratio above one", cfg: Config{ConsecutiveFailures: 5, FailureRatio: 1.1}, wantErr: "FailureRatio must be between 0 and 1"},
		{name: "negative timeout", cfg: Config{ConsecutiveFailures: 5, Timeout: -1}, wantErr: "must not be negative"},
		{name: "consecutive only", cfg: Config{ConsecutiveFailures: 3}},
		{name: "ratio only", cfg: Config{MinRequests: 10, FailureRatio: 0.5}},
		{name: "ratio boundary", cfg: Config{ConsecutiveFailures: 5, FailureRatio: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigPresetsAreValid(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{DefaultConfig(), BrokerConfig(), HTTPServiceConfig()} {
		assert.NoError(t, cfg.Validate())
	}
}

func TestConvertGobreakerState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StateClosed, convertGobreakerState(gobreaker.StateClosed))
	assert.Equal(t, StateOpen, convertGobreakerState(gobreaker.StateOpen))
	assert.Equal(t, StateHalfOpen, convertGobreakerState(gobreaker.StateHalfOpen))
	assert.Equal(t, StateUnknown, convertGobreakerState(gobreaker.State(99)))
}

func TestIsRejected(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRejected(fmt.Errorf("wrapped: %w", gobreaker.ErrOpenState)))
	assert.True(t, IsRejected(gobreaker.ErrTooManyRequests))
	assert.False(t, IsRejected(errors.New("boom")))
	assert.False(t, IsRejected(nil))
}
