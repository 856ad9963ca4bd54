// Package retention reserves the retention collaborator's slice of the
// advisory-lock keyspace. The pruning policy itself lives outside this
// repository; what matters here is that the core never collides with the
// retention:cleanup lock, and that an external pruner taking it excludes a
// second pruner.
package retention

import (
	"context"

	"github.com/briandastous/bdx/pkg/lockkeys"
	"github.com/briandastous/bdx/pkg/storage"
)

// WithCleanupLock runs fn while holding the retention:cleanup advisory lock,
// returning (false, nil) without running fn when another holder has it.
func WithCleanupLock(ctx context.Context, locker storage.AdvisoryLocker, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := locker.TryLock(ctx, lockkeys.RetentionCleanup)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = locker.Unlock(ctx, lockkeys.RetentionCleanup) }()
	return true, fn(ctx)
}
