// Package objectstore keeps submitted recipe images and hands out URLs the
// vision backend can read.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/models"
)

// Reference kinds.
const (
	KindS3    = "s3"
	KindLocal = "local"
	KindURL   = "url"
)

// ErrTooLarge is returned when an upload exceeds the configured byte cap.
var ErrTooLarge = errors.New("image too large")

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (models.ImageRef, error)
	URL(ctx context.Context, ref models.ImageRef) (string, error)
}

// Store normalizes images and writes them to S3 when a bucket is configured,
// otherwise to a local directory.
type Store struct {
	backend  uploader
	maxBytes int64
	maxEdge  int
}

// New picks the backend from cfg.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	var backend uploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = newS3Backend(client, cfg.ImageS3Bucket, cfg.PresignTTL)
	} else {
		dir := cfg.ImageOutputDir
		if dir == "" {
			dir = "./uploads"
		}
		backend = &localBackend{baseDir: dir}
	}
	return newStore(backend, cfg.ImageMaxBytes), nil
}

func newStore(backend uploader, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = 15 * 1024 * 1024
	}
	return &Store{backend: backend, maxBytes: maxBytes, maxEdge: DefaultMaxEdge}
}

// Put normalizes one image and stores it under a key scoped to the user.
func (s *Store) Put(ctx context.Context, userID string, index int, data []byte) (models.ImageRef, error) {
	if int64(len(data)) > s.maxBytes {
		return models.ImageRef{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), s.maxBytes)
	}
	body, format, err := Normalize(data, s.maxEdge)
	if err != nil {
		return models.ImageRef{}, err
	}
	key := fmt.Sprintf("recipes/%s/%s.%s", sanitizeKey(userID), uuid.New().String(), formatExtension(format))
	ref, err := s.backend.Upload(ctx, key, body, mimeForFormat(format))
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("upload: %w", err)
	}
	ref.Index = index
	return ref, nil
}

// ImageURL resolves ref to something a model backend can fetch: a presigned
// URL for S3, a data URL for local files, and the URL itself for url refs.
func (s *Store) ImageURL(ctx context.Context, ref models.ImageRef) (string, error) {
	switch ref.Kind {
	case KindURL:
		if !strings.HasPrefix(ref.Value, "https://") && !strings.HasPrefix(ref.Value, "http://") {
			return "", fmt.Errorf("image ref %d: not an http url", ref.Index)
		}
		return ref.Value, nil
	case KindS3, KindLocal:
		return s.backend.URL(ctx, ref)
	}
	return "", fmt.Errorf("image ref %d: unknown kind %q", ref.Index, ref.Kind)
}

// ValidRef reports whether ref is well formed for direct submission.
func ValidRef(ref models.ImageRef) bool {
	switch ref.Kind {
	case KindS3:
		_, _, err := parseS3(ref.Value)
		return err == nil
	case KindURL:
		return strings.HasPrefix(ref.Value, "https://") || strings.HasPrefix(ref.Value, "http://")
	case KindLocal:
		return ref.Value != "" && !strings.Contains(ref.Value, "..")
	}
	return false
}
