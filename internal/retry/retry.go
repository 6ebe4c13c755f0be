// Package retry re-runs operations that fail with transient infrastructure
// errors, such as a database that is still starting up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultConfig is used for the startup database ping.
var DefaultConfig = Config{
	MaxAttempts: 3,
	Delays:      []time.Duration{250 * time.Millisecond, time.Second},
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn up to cfg.MaxAttempts times, sleeping between attempts. The delay
// before attempt n+1 is Delays[n-1]; the last delay is reused once the list is
// exhausted.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 && len(cfg.Delays) > 0 {
			idx := attempt - 1
			if idx >= len(cfg.Delays) {
				idx = len(cfg.Delays) - 1
			}

			select {
			case <-time.After(cfg.Delays[idx]):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt + 1,
			"max":       cfg.MaxAttempts,
		}).WithError(err).Debug("Attempt failed")
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

// ParseConfig builds a Config from the textual forms used in environment
// variables: a positive attempt count and a comma-separated list of
// millisecond delays. Unparseable values keep the defaults from def.
func ParseConfig(attemptsStr, backoffStr string, def Config) Config {
	cfg := Config{
		MaxAttempts: def.MaxAttempts,
		Delays:      append([]time.Duration(nil), def.Delays...),
	}

	if attemptsStr != "" {
		if attempts, err := strconv.Atoi(strings.TrimSpace(attemptsStr)); err == nil && attempts > 0 {
			cfg.MaxAttempts = attempts
		}
	}

	if backoffStr != "" {
		var parsed []time.Duration
		for _, part := range strings.Split(backoffStr, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && ms > 0 {
				parsed = append(parsed, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(parsed) > 0 {
			cfg.Delays = parsed
		}
	}

	return cfg
}
