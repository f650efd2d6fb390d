// Package local archives export files under a directory on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrOutsideBase reports an object path that would land outside BaseDir.
var ErrOutsideBase = errors.New("object path escapes base directory")

// Config points the store at its archive directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore copies exports into BaseDir. All file operations go through an
// os.Root, so neither ".." segments nor symlinks can leave the directory.
type BlobStore struct {
	baseDir string
	seq     atomic.Uint64
}

// New creates BaseDir if needed and returns a store rooted there.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("local blob store: base_dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("local blob store: create %q: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("local blob store: open %q: %w", abs, err)
	}
	_ = root.Close()
	return &BlobStore{baseDir: abs}, nil
}

// BaseDir returns the absolute archive directory.
func (s *BlobStore) BaseDir() string { return s.baseDir }

// PutObject streams data to objectPath under BaseDir and returns its file://
// URI. The bytes land in a sibling temp file first, so an interrupted copy
// never replaces an earlier archive.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, _ string, data io.Reader) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(strings.TrimSpace(objectPath), "/"))
	if rel == "" {
		return "", errors.New("local blob store: object path is required")
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBase, objectPath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	root, err := os.OpenRoot(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("local blob store: open base: %w", err)
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("local blob store: create %q: %w", dir, err)
		}
	}
	tmp := filepath.Join(filepath.Dir(rel), "."+filepath.Base(rel)+"."+strconv.Itoa(os.Getpid())+"-"+strconv.FormatUint(s.seq.Add(1), 10))
	f, err := root.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("local blob store: create temp: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = root.Remove(tmp)
		}
	}()

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("local blob store: write %q: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("local blob store: close %q: %w", rel, err)
	}
	if err := root.Rename(tmp, rel); err != nil {
		return "", fmt.Errorf("local blob store: commit %q: %w", rel, err)
	}
	committed = true
	return "file://" + filepath.Join(s.baseDir, rel), nil
}
