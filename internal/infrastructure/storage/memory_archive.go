package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// Ensure MemoryArchive implements mapping.Archive
var _ mapping.Archive = (*MemoryArchive)(nil)

// MemoryArchive keeps exports in process memory.
// Use this for development when no bucket is configured; objects are lost on restart.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string]MemoryObject
}

// MemoryObject is one stored export
type MemoryObject struct {
	Body        []byte
	ContentType string
}

// NewMemoryArchive creates an empty MemoryArchive
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string]MemoryObject)}
}

// Put stores a copy of body under objectKey, replacing any previous object
func (a *MemoryArchive) Put(ctx context.Context, objectKey string, body []byte, contentType string) error {
	if objectKey == "" {
		return errors.New("object key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[objectKey] = MemoryObject{
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
	}
	return nil
}

// Get returns the object stored under objectKey
func (a *MemoryArchive) Get(objectKey string) (MemoryObject, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[objectKey]
	return obj, ok
}

// Keys lists the stored object keys in order
func (a *MemoryArchive) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
