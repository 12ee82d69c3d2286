package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

var (
	ErrCacheMiss           = errors.New(errors.ErrCodeNotFound, "cache miss")
	ErrSerializationFailed = errors.New(errors.ErrCodeSerialization, "serialization failed")
)

const (
	defaultNoteTTL = 10 * time.Minute
	// versionTTL bounds how long an invalidation is remembered; it must
	// outlive any in-flight load.
	versionTTL = 24 * time.Hour
)

// setIfVersionScript writes KEYS[1] only while the patient's version key
// KEYS[2] still holds the version read before the load (a missing key is
// version "0").
var setIfVersionScript = redis.NewScript(`
	local v = redis.call("GET", KEYS[2])
	if not v then v = "0" end
	if v ~= ARGV[1] then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

// NoteLoader fetches a stored note from the system of record on a miss.
type NoteLoader func(ctx context.Context) (*note.StoredNote, error)

// NoteCache is a read-through cache of the latest stored note per patient.
type NoteCache struct {
	client     *Client
	logger     logging.Logger
	ttl        time.Duration
	onAccess   func(hit bool)
	loadGroup  singleflight.Group
	randJitter func() float64
}

// CacheOption customises a NoteCache.
type CacheOption func(*NoteCache)

// WithTTL sets the base entry TTL.  Each write jitters it by ±10%.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *NoteCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithAccessObserver reports every lookup as a hit or miss.
func WithAccessObserver(fn func(hit bool)) CacheOption {
	return func(c *NoteCache) { c.onAccess = fn }
}

func NewNoteCache(client *Client, log logging.Logger, opts ...CacheOption) *NoteCache {
	if log == nil {
		log = logging.NewNopLogger()
	}
	c := &NoteCache{
		client:     client,
		logger:     log.Named("note_cache"),
		ttl:        defaultNoteTTL,
		randJitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *NoteCache) key(patientID string) string {
	return c.client.Key("note", patientID)
}

func (c *NoteCache) versionKey(patientID string) string {
	return c.client.Key("note", patientID, "version")
}

func (c *NoteCache) jitterTTL(ttl time.Duration) time.Duration {
	jitter := float64(ttl) * 0.1 * (c.randJitter()*2 - 1)
	return ttl + time.Duration(jitter)
}

func (c *NoteCache) observe(hit bool) {
	if c.onAccess != nil {
		c.onAccess(hit)
	}
}

// Get returns the cached note for patientID or ErrCacheMiss.
func (c *NoteCache) Get(ctx context.Context, patientID string) (*note.StoredNote, error) {
	rdb, err := c.client.Redis()
	if err != nil {
		return nil, err
	}
	data, err := rdb.Get(ctx, c.key(patientID)).Bytes()
	if err == redis.Nil {
		c.observe(false)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheError, "failed to get from cache")
	}
	var s note.StoredNote
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt entry behaves like a miss and is overwritten on the next load.
		c.logger.Warn("discarding undecodable cache entry", logging.String("patient_id", patientID), logging.Err(err))
		c.observe(false)
		return nil, ErrCacheMiss
	}
	c.observe(true)
	return &s, nil
}

// Set stores s under its patient ID.
func (c *NoteCache) Set(ctx context.Context, s *note.StoredNote) error {
	rdb, err := c.client.Redis()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	if err := rdb.Set(ctx, c.key(s.PatientID), data, c.jitterTTL(c.ttl)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to set cache entry")
	}
	return nil
}

// Invalidate drops the entry for patientID and bumps its version, so a load
// that started before the invalidation cannot write its result back.
func (c *NoteCache) Invalidate(ctx context.Context, patientID string) error {
	rdb, err := c.client.Redis()
	if err != nil {
		return err
	}
	vkey := c.versionKey(patientID)
	if err := rdb.Incr(ctx, vkey).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to bump cache version")
	}
	if err := rdb.Expire(ctx, vkey, versionTTL).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to bump cache version")
	}
	if err := rdb.Del(ctx, c.key(patientID)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to invalidate cache entry")
	}
	return nil
}

// version returns the current version of patientID's entry.
func (c *NoteCache) version(ctx context.Context, patientID string) (string, error) {
	rdb, err := c.client.Redis()
	if err != nil {
		return "", err
	}
	v, err := rdb.Get(ctx, c.versionKey(patientID)).Result()
	if err == redis.Nil {
		return "0", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeCacheError, "failed to read cache version")
	}
	return v, nil
}

// setIfVersion stores s unless patientID was invalidated after version was
// read.  It reports whether the entry was written.
func (c *NoteCache) setIfVersion(ctx context.Context, s *note.StoredNote, version string) (bool, error) {
	rdb, err := c.client.Redis()
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return false, ErrSerializationFailed.WithCause(err)
	}
	keys := []string{c.key(s.PatientID), c.versionKey(s.PatientID)}
	n, err := setIfVersionScript.Run(ctx, rdb, keys, version, data, c.jitterTTL(c.ttl).Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "failed to set cache entry")
	}
	return n == 1, nil
}

// GetOrLoad returns the cached note, or calls load once per patient across
// concurrent callers and caches its result.  A result loaded before a
// concurrent Invalidate is returned but not cached.  Cache failures degrade
// to load.
func (c *NoteCache) GetOrLoad(ctx context.Context, patientID string, load NoteLoader) (*note.StoredNote, error) {
	s, err := c.Get(ctx, patientID)
	if err == nil {
		return s, nil
	}
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		c.logger.Warn("cache read failed, falling back to store", logging.String("patient_id", patientID), logging.Err(err))
	}

	v, err, _ := c.loadGroup.Do(patientID, func() (interface{}, error) {
		version, verErr := c.version(ctx, patientID)
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if verErr != nil {
			c.logger.Warn("skipping cache write", logging.String("patient_id", patientID), logging.Err(verErr))
			return loaded, nil
		}
		written, setErr := c.setIfVersion(ctx, loaded, version)
		switch {
		case setErr != nil:
			c.logger.Warn("cache write failed", logging.String("patient_id", patientID), logging.Err(setErr))
		case !written:
			c.logger.Debug("entry invalidated during load, not caching", logging.String("patient_id", patientID))
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*note.StoredNote), nil
}
