package records

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Used by tests and by the
// CLI when no Redis URL is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]any)}
}

func memKey(entityType, id string) string { return entityType + "/" + id }

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, entityType, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[memKey(entityType, id)]
	if !ok {
		return nil, notFound(entityType, id)
	}
	return cloneFields(rec)
}

// Update merges patch into an existing record and returns the result.
func (s *MemoryStore) Update(_ context.Context, entityType, id string, patch map[string]any) (map[string]any, error) {
	patch, err := cloneFields(patch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[memKey(entityType, id)]
	if !ok {
		return nil, notFound(entityType, id)
	}
	for k, v := range patch {
		rec[k] = v
	}
	return cloneFields(rec)
}

// Create stores a new record. An "id" field is honoured, otherwise one is
// generated.
func (s *MemoryStore) Create(_ context.Context, entityType string, fields map[string]any) (string, error) {
	rec, err := cloneFields(fields)
	if err != nil {
		return "", err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[memKey(entityType, id)] = rec
	return id, nil
}

// Put replaces a record wholesale. Used for seeding.
func (s *MemoryStore) Put(_ context.Context, entityType, id string, fields map[string]any) error {
	rec, err := cloneFields(fields)
	if err != nil {
		return err
	}
	rec["id"] = id
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[memKey(entityType, id)] = rec
	return nil
}
