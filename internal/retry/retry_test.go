package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SuccessFirstAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{10 * time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, "ping", func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, "ping", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustedAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, "ping database", func() error {
		attempts++
		return errors.New("connection refused")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "ping database failed after 3 attempts")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Delays: []time.Duration{time.Millisecond}}
	authErr := errors.New("access denied")

	attempts := 0
	err := Do(context.Background(), cfg, "ping", func() error {
		attempts++
		return Permanent(authErr)
	})

	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Delays: []time.Duration{50 * time.Millisecond}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Do(ctx, cfg, "ping", func() error {
		attempts++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}

func TestDo_NoDelaysDoesNotPanic(t *testing.T) {
	cfg := Config{MaxAttempts: 3}

	attempts := 0
	err := Do(context.Background(), cfg, "ping", func() error {
		attempts++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ZeroAttemptsDefaultsToOne(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, "ping", func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestParseConfig(t *testing.T) {
	def := Config{MaxAttempts: 2, Delays: []time.Duration{100 * time.Millisecond}}

	tests := []struct {
		name     string
		attempts string
		backoff  string
		want     Config
	}{
		{
			name: "defaults when empty",
			want: def,
		},
		{
			name:     "overrides",
			attempts: "4",
			backoff:  "50, 200,1000",
			want: Config{MaxAttempts: 4, Delays: []time.Duration{
				50 * time.Millisecond, 200 * time.Millisecond, time.Second,
			}},
		},
		{
			name:     "invalid values keep defaults",
			attempts: "-1",
			backoff:  "abc,,0",
			want:     def,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseConfig(tt.attempts, tt.backoff, def))
		})
	}
}
