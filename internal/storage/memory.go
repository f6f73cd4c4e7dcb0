package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local attachment store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

var _ AttachmentStore = (*MemoryStore)(nil)

type memoryObject struct {
	data []byte
	info ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Create(_ context.Context, name string, data []byte, contentType string) (*ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[name]; ok {
		return nil, ErrExists
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	info := ObjectInfo{
		Name:        name,
		Size:        uint64(len(data)),
		ContentType: contentType,
		ModTime:     time.Now().UTC(),
	}
	s.objects[name] = memoryObject{data: buf, info: info}

	return &info, nil
}

func (s *MemoryStore) Fetch(_ context.Context, name string) ([]byte, *ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[name]
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := obj.info
	return obj.data, &info, nil
}

func (s *MemoryStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, name)
	return nil
}
