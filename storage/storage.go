package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/procflow/procflow/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
)

// Storage is the persistence port for definitions and instances.
// Definitions are read-only at runtime; instances are read-modify-write
// with the engine serializing writes per instance.
type Storage interface {
	// SaveDefinition persists a process definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)

	// DefinitionsByRecordType returns all definitions bound to the
	// record type, ordered by Sequence ascending.
	DefinitionsByRecordType(ctx context.Context, recordType string) ([]types.Definition, error)

	// SaveInstance persists an instance.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// FindInstanceByRecord returns the instance bound to the record, or
	// ErrInstanceNotFound if the record has never entered a process.
	FindInstanceByRecord(ctx context.Context, recordType string, recordID uint64) (types.Instance, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// sortDefinitions orders definitions by Sequence, then ID for stability.
func sortDefinitions(defs []types.Definition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Sequence != defs[j].Sequence {
			return defs[i].Sequence < defs[j].Sequence
		}
		return defs[i].ID < defs[j].ID
	})
}
