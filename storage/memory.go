package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/procflow/procflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.Definition
	instances   map[uint64]types.Instance
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.Definition),
		instances:   make(map[uint64]types.Instance),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.definitions, id, ErrDefinitionNotFound)
}

// DefinitionsByRecordType returns the definitions bound to the record
// type, ordered by Sequence.
func (s *MemoryStorage) DefinitionsByRecordType(ctx context.Context, recordType string) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var defs []types.Definition
		for _, def := range s.definitions {
			if def.RecordType == recordType {
				defs = append(defs, def)
			}
		}
		sortDefinitions(defs)
		return defs, nil
	})
}

// SaveInstance saves an instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.instances, id, ErrInstanceNotFound)
}

// FindInstanceByRecord scans for the instance bound to the record.
func (s *MemoryStorage) FindInstanceByRecord(ctx context.Context, recordType string, recordID uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, inst := range s.instances {
			if inst.RecordType == recordType && inst.RecordID == recordID {
				return inst, nil
			}
		}
		return types.Instance{}, fmt.Errorf("%w: record=%s/%d", ErrInstanceNotFound, recordType, recordID)
	})
}

// SaveDefinitions saves multiple definitions in a single lock.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, defs []types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, def := range defs {
			s.definitions[def.ID] = def
		}
		return nil
	})
}

// DeleteInstance removes an instance. Housekeeping only; the engine
// never deletes instances itself.
func (s *MemoryStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.instances, id)
		return nil
	})
}
