package objectstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"recipe-ingestion/internal/models"
)

type localBackend struct {
	baseDir string
}

func (l *localBackend) Upload(_ context.Context, key string, body []byte, _ string) (models.ImageRef, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.ImageRef{}, fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return models.ImageRef{}, fmt.Errorf("write file: %w", err)
	}
	return models.ImageRef{Kind: KindLocal, Value: sanitizeKey(key)}, nil
}

// URL inlines the file as a data URL; local files are not reachable from a remote model.
func (l *localBackend) URL(_ context.Context, ref models.ImageRef) (string, error) {
	if ref.Kind != KindLocal {
		return "", fmt.Errorf("image ref %d: %s refs need an S3 bucket", ref.Index, ref.Kind)
	}
	body, err := os.ReadFile(filepath.Join(l.baseDir, sanitizeKey(ref.Value)))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return "data:" + http.DetectContentType(body) + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return key
}
