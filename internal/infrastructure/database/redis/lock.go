package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
)

var (
	ErrLockNotAcquired = errors.New(errors.ErrCodeExtractionInProgress, "an extraction is already running for this patient")
	ErrLockNotHeld     = errors.New(errors.ErrCodeCacheError, "lock not held by this owner")
)

const defaultLockTTL = 2 * time.Minute

// Locker hands out per-patient extraction locks.  A lock is a single key set
// with NX and a TTL, so a crashed holder frees the patient once the TTL runs
// out.
type Locker struct {
	client           *Client
	logger           logging.Logger
	ttl              time.Duration
	watchdogInterval time.Duration
}

// LockOption customises a Locker.
type LockOption func(*Locker)

func WithLockTTL(ttl time.Duration) LockOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWatchdogInterval extends held locks every interval until released.
// Zero disables the watchdog.
func WithWatchdogInterval(interval time.Duration) LockOption {
	return func(l *Locker) { l.watchdogInterval = interval }
}

func NewLocker(client *Client, log logging.Logger, opts ...LockOption) *Locker {
	if log == nil {
		log = logging.NewNopLogger()
	}
	l := &Locker{client: client, logger: log.Named("locker"), ttl: defaultLockTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is one held extraction lock.
type Lock struct {
	rdb            redis.UniversalClient
	key            string
	value          string
	ttl            time.Duration
	logger         logging.Logger
	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// TryAcquire takes the lock for patientID without waiting.  It returns
// ErrLockNotAcquired when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, patientID string) (*Lock, error) {
	rdb, err := l.client.Redis()
	if err != nil {
		return nil, err
	}
	key := l.client.Key("lock", "extract", patientID)
	value := uuid.New().String()

	ok, err := rdb.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheError, "failed to set lock")
	}
	if !ok {
		return nil, ErrLockNotAcquired.WithDetail("patient_id=" + patientID)
	}

	lock := &Lock{rdb: rdb, key: key, value: value, ttl: l.ttl, logger: l.logger}
	if l.watchdogInterval > 0 {
		lock.startWatchdog(l.watchdogInterval)
	}
	return lock, nil
}

// Release deletes the lock if this holder still owns it.
func (k *Lock) Release(ctx context.Context) error {
	k.stopWatchdog()
	res, err := unlockScript.Run(ctx, k.rdb, []string{k.key}, k.value).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to release lock")
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the TTL if this holder still owns the lock.
func (k *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, k.rdb, []string{k.key}, k.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// TTL returns the remaining lifetime of the lock key.
func (k *Lock) TTL(ctx context.Context) (time.Duration, error) {
	return k.rdb.PTTL(ctx, k.key).Result()
}

func (k *Lock) startWatchdog(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	k.watchdogCancel = cancel
	k.watchdogDone = make(chan struct{})
	go runWatchdog(ctx, k.Extend, interval, k.ttl, k.logger, k.watchdogDone)
}

func (k *Lock) stopWatchdog() {
	if k.watchdogCancel != nil {
		k.watchdogCancel()
		<-k.watchdogDone
		k.watchdogCancel = nil
	}
}

func runWatchdog(ctx context.Context, extendFn func(context.Context, time.Duration) (bool, error), interval, ttl time.Duration, log logging.Logger, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := extendFn(ctx, ttl)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("Watchdog failed to extend lock", logging.Err(err))
				}
				return
			}
			if !ok {
				log.Warn("Watchdog lost lock")
				return
			}
		}
	}
}
