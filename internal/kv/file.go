package kv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

const fileSuffix = ".json"

// File stores one file per key under a directory. Writes are atomic, so a
// crash mid-write leaves the previous value in place.
type File struct {
	dir string

	mu     sync.RWMutex
	closed bool
}

// NewFile creates a file store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("kv: file store needs a directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create store directory: %w", err)
	}

	return &File{dir: dir}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileSuffix)
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return "", false, ErrClosed
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("kv: read %q: %w", key, err)
	}

	return string(data), true, nil
}

// Set implements Store.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	pending, err := renameio.NewPendingFile(f.path(key), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("kv: create pending file for %q: %w", key, err)
	}
	defer pending.Cleanup() //nolint:errcheck

	if _, err := pending.WriteString(value); err != nil {
		return fmt.Errorf("kv: write %q: %w", key, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("kv: replace %q: %w", key, err)
	}

	return nil
}

// Remove implements Store.
func (f *File) Remove(ctx context.Context, key string) error {
	return f.MultiRemove(ctx, []string{key})
}

// MultiRemove implements Store.
func (f *File) MultiRemove(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	var errs []error

	for _, k := range keys {
		if err := os.Remove(f.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("kv: remove %q: %w", k, err))
		}
	}

	return errors.Join(errs...)
}

// Keys implements Store.
func (f *File) Keys(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("kv: list store directory: %w", err)
	}

	keys := make([]string, 0, len(entries))

	for _, e := range entries {
		// renameio temp files lack the suffix and are skipped.
		name, ok := strings.CutSuffix(e.Name(), fileSuffix)
		if e.IsDir() || !ok {
			continue
		}

		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}
