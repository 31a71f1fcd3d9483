// Package storage persists generated artifacts (course documents and cover
// images) on the local filesystem or in S3 compatible object storage.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"coursegen/internal/config"
)

// Uploader writes body under key and returns the resulting location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New returns an S3 uploader when a bucket is configured and a local one otherwise.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ArtifactS3Bucket != "" {
		return NewS3(ctx, S3Options{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
	}
	return NewLocal(cfg.ArtifactDir), nil
}

var errEmptyKey = errors.New("artifact key is empty")

// SanitizeKey cleans key so it cannot escape the artifact root.
func SanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errEmptyKey
	}
	return key, nil
}
