// Package memory keeps artifacts and job history in process for development
// and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

type object struct {
	data        []byte
	contentType string
	updatedAt   time.Time
}

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source used for UpdatedAt.
func (s *BlobStore) WithClock(clock capture.Clock) *BlobStore {
	if clock != nil {
		s.now = clock.Now
	}
	return s
}

// PutObject persists a copy of the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: byteData, contentType: contentType, updatedAt: s.now()}
	return "memory://" + path, nil
}

// GetObject returns a reader over a copy of the stored bytes.
func (s *BlobStore) GetObject(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, capture.ErrArtifactNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

// DeleteObject removes the object. Missing objects are ignored.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

// ListObjects returns objects under prefix sorted by path.
func (s *BlobStore) ListObjects(_ context.Context, prefix string) ([]capture.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []capture.ObjectInfo
	for path, obj := range s.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		out = append(out, capture.ObjectInfo{Path: path, Size: int64(len(obj.data)), UpdatedAt: obj.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
