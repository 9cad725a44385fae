// Package local archives harvested pages on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is created when missing.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes archived pages below a base directory. All access goes
// through an os.Root, so keys cannot escape it.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New opens the base directory, creating it if needed, and checks that it is
// writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("local blob store: base_dir is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("local blob store: create %s: %w", cfg.BaseDir, err)
	}
	root, err := os.OpenRoot(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: open %s: %w", cfg.BaseDir, err)
	}
	const probe = ".harvester-write-probe"
	if err := root.WriteFile(probe, nil, 0o600); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("local blob store: %s is not writable: %w", cfg.BaseDir, err)
	}
	_ = root.Remove(probe)
	return &BlobStore{baseDir: cfg.BaseDir, root: root}, nil
}

// PutObject streams data to key and returns a file:// URI. The page is written
// to a temporary name first so readers never see a partial file.
func (s *BlobStore) PutObject(ctx context.Context, key, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("local blob store: key is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("local blob store: %w", err)
	}
	name := filepath.Clean(filepath.FromSlash(key))
	if dir := filepath.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("local blob store: mkdir for %s: %w", key, err)
		}
	}
	tmp := name + ".partial"
	f, err := s.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("local blob store: create %s: %w", key, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("local blob store: write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("local blob store: close %s: %w", key, err)
	}
	if err := s.root.Rename(tmp, name); err != nil {
		return "", fmt.Errorf("local blob store: commit %s: %w", key, err)
	}
	return "file://" + filepath.Join(s.baseDir, name), nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}
