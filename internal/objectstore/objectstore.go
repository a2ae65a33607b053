// Package objectstore stores loop audio under bucket/key pairs. Keys follow
// the "<id>.<ext>" convention; the same key moves from the submissions bucket
// to the loops bucket on approval.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Default bucket names.
const (
	DefaultSubmissionsBucket = "submissions"
	DefaultLoopsBucket       = "loops"
)

// Object is a readable stored object. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Store is the narrow object storage surface the submission lifecycle needs.
type Store interface {
	Put(ctx context.Context, bucket, key, contentType string, data []byte) error
	Get(ctx context.Context, bucket, key string) (Object, error)
	Copy(ctx context.Context, srcBucket, dstBucket, key string) error
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, bucket, key string) error
	EnsureBuckets(ctx context.Context, buckets ...string) error
}

// Key returns the object key for a submission or loop file.
func Key(id, ext string) string {
	return strings.TrimSpace(id) + "." + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

// SplitKey parses "<id>.<ext>" at the last dot.
func SplitKey(filename string) (id, ext string, ok bool) {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 || idx == len(filename)-1 {
		return "", "", false
	}
	return filename[:idx], strings.ToLower(filename[idx+1:]), true
}
