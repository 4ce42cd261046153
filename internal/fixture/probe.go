package fixture

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"dbharness/internal/storage"
)

// ProbeFunc checks whether the database behind d accepts requests.
type ProbeFunc func(ctx context.Context, d Descriptor) error

// StorageProbe opens a real driver connection, pings it and closes it.
func StorageProbe(ctx context.Context, d Descriptor) error {
	s, err := storage.Open(ctx, d.StorageConfig())
	if err != nil {
		return err
	}
	return s.Close()
}

const (
	// maxProbeInterval caps the exponential backoff between probes.
	maxProbeInterval = 2 * time.Second
	// probeAttemptTimeout bounds a single probe so a hung dial cannot eat
	// the whole budget.
	probeAttemptTimeout = 5 * time.Second
)

// waitReady polls probe with exponential backoff until it succeeds or budget
// elapses. The backoff never stops before budget has passed, so a probe that
// never succeeds fails no earlier than budget.
func waitReady(ctx context.Context, probe ProbeFunc, d Descriptor, interval, budget time.Duration) (int, error) {
	b := retry.NewExponential(interval)
	b = retry.WithCappedDuration(maxProbeInterval, b)
	b = retry.WithMaxDuration(budget, b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, min(probeAttemptTimeout, budget))
		defer cancel()
		if err := probe(attemptCtx, d); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return attempts, err
}
