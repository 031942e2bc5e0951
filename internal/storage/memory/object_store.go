// Package memory stores objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
)

type object struct {
	data        []byte
	contentType string
	generation  int64
}

// ObjectStore keeps objects in a map and versions each write.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]object
	nextGen int64
}

// NewObjectStore creates an empty in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]object)}
}

// Read returns a copy of the object and its generation.
func (s *ObjectStore) Read(_ context.Context, name string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, 0, fmt.Errorf("read %s: %w", name, ingest.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), obj.generation, nil
}

// Write stores data when the generation condition holds.
func (s *ObjectStore) Write(_ context.Context, name, contentType string, data []byte, ifGeneration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(name, ifGeneration); err != nil {
		return err
	}
	s.putLocked(name, contentType, data)
	return nil
}

// List returns object names under prefix in lexical order.
func (s *ObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Copy duplicates src to dst, replacing dst.
func (s *ObjectStore) Copy(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("copy %s: %w", src, ingest.ErrNotFound)
	}
	s.putLocked(dst, obj.contentType, obj.data)
	return nil
}

// Delete removes the named objects. Missing names are reported after the
// rest are removed.
func (s *ObjectStore) Delete(_ context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, name := range names {
		if _, ok := s.objects[name]; !ok {
			missing = append(missing, name)
			continue
		}
		delete(s.objects, name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("delete %s: %w", strings.Join(missing, ", "), ingest.ErrNotFound)
	}
	return nil
}

// ContentType reports the stored content type of name.
func (s *ObjectStore) ContentType(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[name].contentType
}

func (s *ObjectStore) checkLocked(name string, ifGeneration int64) error {
	if ifGeneration == ingest.Unconditional {
		return nil
	}
	var current int64
	if obj, ok := s.objects[name]; ok {
		current = obj.generation
	}
	if current != ifGeneration {
		return fmt.Errorf("write %s: have generation %d, want %d: %w",
			name, current, ifGeneration, ingest.ErrPreconditionFailed)
	}
	return nil
}

func (s *ObjectStore) putLocked(name, contentType string, data []byte) {
	s.nextGen++
	s.objects[name] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		generation:  s.nextGen,
	}
}
