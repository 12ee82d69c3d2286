// Package minio archives raw provider responses in S3-compatible object
// storage so extractions can be audited against what the model returned.
package minio

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

const (
	defaultPrefix      = "responses/"
	defaultPresignTTL  = 15 * time.Minute
	maxPresignTTL      = 7 * 24 * time.Hour
	archiveContentType = "application/json"
)

// ArchiveRecord is one archived provider response.
type ArchiveRecord struct {
	PatientID     string          `json:"patientId"`
	NoteID        string          `json:"noteId"`
	Provider      string          `json:"provider"`
	PromptVersion string          `json:"promptVersion"`
	Raw           json.RawMessage `json:"raw"`
	ArchivedAt    time.Time       `json:"archivedAt"`
}

// ResponseArchive stores ArchiveRecords under
// <prefix><patientID>/<noteID>.json.
type ResponseArchive struct {
	store  ObjectStore
	bucket string
	prefix string
	logger logging.Logger
	now    func() time.Time
}

// NewResponseArchive ensures cfg.Bucket exists and applies the retention rule.
func NewResponseArchive(ctx context.Context, store ObjectStore, cfg config.MinIOConfig, log logging.Logger) (*ResponseArchive, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeValidation, "minio bucket required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	exists, err := store.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageError, "failed to check bucket")
	}
	if !exists {
		if err := store.MakeBucket(ctx, cfg.Bucket); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageError, "failed to create bucket").WithDetail(cfg.Bucket)
		}
		log.Info("Created bucket", logging.String("bucket", cfg.Bucket))
	}
	if cfg.RetentionDays > 0 {
		if err := store.SetExpiry(ctx, cfg.Bucket, prefix, cfg.RetentionDays); err != nil {
			// Archiving still works without the rule; objects just never expire.
			log.Warn("Failed to set lifecycle rule", logging.String("bucket", cfg.Bucket), logging.Err(err))
		}
	}

	return &ResponseArchive{
		store:  store,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: log.Named("response_archive"),
		now:    time.Now,
	}, nil
}

// Key returns the object key for one response.
func (a *ResponseArchive) Key(patientID, noteID string) string {
	return a.prefix + patientID + "/" + noteID + ".json"
}

// Put archives rec and returns its object key.  Raw must be valid JSON;
// anything else is stored as a JSON string.
func (a *ResponseArchive) Put(ctx context.Context, rec ArchiveRecord) (string, error) {
	if !note.ValidatePatientID(rec.PatientID) {
		return "", errors.InvalidParam("invalid patient id")
	}
	if rec.NoteID == "" {
		return "", errors.InvalidParam("note id required")
	}
	if !json.Valid(rec.Raw) {
		quoted, _ := json.Marshal(string(rec.Raw))
		rec.Raw = quoted
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = a.now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode archive record")
	}

	key := a.Key(rec.PatientID, rec.NoteID)
	meta := map[string]string{
		"patient-id":     rec.PatientID,
		"provider":       rec.Provider,
		"prompt-version": rec.PromptVersion,
	}
	start := time.Now()
	if err := a.store.PutObject(ctx, a.bucket, key, data, archiveContentType, meta); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageError, "failed to archive response").WithDetail(key)
	}
	a.logger.Debug("Archived response",
		logging.String("key", key),
		logging.Int("bytes", len(data)),
		logging.Duration("latency", time.Since(start)))
	return key, nil
}

// Get reads one archived record.
func (a *ResponseArchive) Get(ctx context.Context, key string) (*ArchiveRecord, error) {
	if !strings.HasPrefix(key, a.prefix) {
		return nil, errors.New(errors.ErrCodeValidation, "key outside archive prefix").WithDetail(key)
	}
	data, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.New(errors.ErrCodeNotFound, "archived response not found").WithDetail(key)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageError, "failed to read archived response")
	}
	var rec ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "corrupt archive record").WithDetail(key)
	}
	return &rec, nil
}

// List returns the keys archived for patientID, newest first.
func (a *ResponseArchive) List(ctx context.Context, patientID string) ([]ObjectInfo, error) {
	if !note.ValidatePatientID(patientID) {
		return nil, errors.InvalidParam("invalid patient id")
	}
	objs, err := a.store.ListObjects(ctx, a.bucket, a.prefix+patientID+"/")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageError, "failed to list archived responses")
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].LastModified.After(objs[j].LastModified) })
	return objs, nil
}

// Delete removes every archived response for patientID.
func (a *ResponseArchive) Delete(ctx context.Context, patientID string) (int, error) {
	objs, err := a.List(ctx, patientID)
	if err != nil {
		return 0, err
	}
	for i, o := range objs {
		if err := a.store.RemoveObject(ctx, a.bucket, o.Key); err != nil {
			return i, errors.Wrap(err, errors.ErrCodeStorageError, "failed to remove archived response").WithDetail(o.Key)
		}
	}
	return len(objs), nil
}

// PresignedURL returns a time-limited download link for key.
func (a *ResponseArchive) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = defaultPresignTTL
	}
	if expiry > maxPresignTTL {
		return "", errors.New(errors.ErrCodeValidation, "presign expiry exceeds 7 days")
	}
	u, err := a.store.PresignGet(ctx, a.bucket, key, expiry)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageError, "failed to presign url")
	}
	return u, nil
}

// Ping checks the bucket is reachable.
func (a *ResponseArchive) Ping(ctx context.Context) error {
	ok, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageError, "minio ping failed")
	}
	if !ok {
		return errors.New(errors.ErrCodeStorageError, "bucket missing").WithDetail(a.bucket)
	}
	return nil
}
