package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/ledger-key-custody/metrics"
)

// DefaultJanitorInterval is how often expired nonces are purged.
const DefaultJanitorInterval = 5 * time.Minute

// NonceCleaner deletes consumed nonces.
type NonceCleaner interface {
	DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// MinNonceRetention is the shortest retention past nonce expiry that cannot
// reopen a replay. A request stamped one window ahead of its receipt passes
// the timestamp check until two windows after receipt, and nonce expiry is
// never earlier than receipt.
func MinNonceRetention(timestampWindow time.Duration) time.Duration {
	return 2 * timestampWindow
}

// NonceJanitor periodically deletes nonce rows whose expiry is older than
// now minus Retention. A Retention below MinNonceRetention(TimestampWindow)
// is raised to it.
type NonceJanitor struct {
	store NonceCleaner
	log   *slog.Logger
	now   func() time.Time

	Interval        time.Duration
	Retention       time.Duration
	TimestampWindow time.Duration
}

// NewNonceJanitor creates a janitor with default interval and retention.
func NewNonceJanitor(store NonceCleaner, log *slog.Logger) *NonceJanitor {
	return &NonceJanitor{
		store:     store,
		log:       log,
		now:       time.Now,
		Interval:        DefaultJanitorInterval,
		Retention:       MinNonceRetention(DefaultTimestampWindow),
		TimestampWindow: DefaultTimestampWindow,
	}
}

func (j *NonceJanitor) retention() time.Duration {
	return max(j.Retention, MinNonceRetention(j.TimestampWindow))
}

// RunOnce performs a single cleanup pass.
func (j *NonceJanitor) RunOnce(ctx context.Context) (int64, error) {
	before := j.now().UTC().Add(-j.retention())
	deleted, err := j.store.DeleteExpiredNonces(ctx, before)
	if err != nil {
		return 0, err
	}
	metrics.NoncesDeletedTotal.Add(float64(deleted))
	return deleted, nil
}

// Run cleans up every Interval until ctx is done. Errors are logged and the
// loop carries on.
func (j *NonceJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := j.RunOnce(ctx)
			if err != nil {
				j.log.Warn("Nonce cleanup failed", "err", err)
				continue
			}
			if deleted > 0 {
				j.log.Debug("Deleted expired nonces", slog.Int64("count", deleted))
			}
		}
	}
}
