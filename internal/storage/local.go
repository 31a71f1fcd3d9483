package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
