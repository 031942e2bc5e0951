// Package local implements a local filesystem object store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
)

// Config captures the parameters for the local filesystem object store.
type Config struct {
	// BaseDir is the root directory where objects will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ObjectStore keeps objects as files under a base directory. The file's
// modification time in nanoseconds stands in for the object generation.
type ObjectStore struct {
	baseDir string
	// mu makes check-then-write atomic within this process.
	mu sync.Mutex
}

// New creates a new local filesystem-backed object store.
func New(cfg Config) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ObjectStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Read returns the file contents and its generation.
func (s *ObjectStore) Read(_ context.Context, name string) ([]byte, int64, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to baseDir by resolve.
	if err != nil {
		return nil, 0, mapErr("read", name, err)
	}
	gen, err := generation(path)
	if err != nil {
		return nil, 0, mapErr("stat", name, err)
	}
	return data, gen, nil
}

// Write stores data when the generation condition holds. Creates use O_EXCL.
func (s *ObjectStore) Write(_ context.Context, name, _ string, data []byte, ifGeneration int64) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ifGeneration == 0:
		// #nosec G304 -- path is confined to baseDir by resolve.
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("create %s: %w", name, ingest.ErrPreconditionFailed)
			}
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	case ifGeneration > 0:
		current, err := generation(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if current != ifGeneration {
			return fmt.Errorf("write %s: have generation %d, want %d: %w",
				name, current, ifGeneration, ingest.ErrPreconditionFailed)
		}
	}
	return writeAtomic(path, data)
}

// List walks baseDir and returns object names under prefix in lexical order.
func (s *ObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// Copy duplicates src to dst, replacing dst.
func (s *ObjectStore) Copy(ctx context.Context, src, dst string) error {
	data, _, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	return s.Write(ctx, dst, "", data, ingest.Unconditional)
}

// Delete removes the named objects, attempting all of them.
func (s *ObjectStore) Delete(_ context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, name := range names {
		path, err := s.resolve(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, mapErr("delete", name, err))
		}
	}
	return errors.Join(errs...)
}

// resolve maps an object name to a path and rejects traversal outside baseDir.
func (s *ObjectStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(name)))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func generation(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err //nolint:wrapcheck // callers wrap with the object name
	}
	return info.ModTime().UnixNano(), nil
}

// writeAtomic replaces path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func mapErr(op, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, name, ingest.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
