package intake

import (
	"context"

	cache "github.com/timmyxieat/tcm-intake/internal/infrastructure/database/redis"
)

type redisLocker struct {
	locker *cache.Locker
}

// NewRedisLocker adapts a Redis locker to Locker.
func NewRedisLocker(l *cache.Locker) Locker {
	return redisLocker{locker: l}
}

func (r redisLocker) TryAcquire(ctx context.Context, patientID string) (Lock, error) {
	lock, err := r.locker.TryAcquire(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
