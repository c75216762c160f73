package storage

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/types"
	"github.com/stretchr/testify/assert"
)

// Helper function to create a sample definition.
func newDefinition(id uint64, recordType string, sequence int) types.Definition {
	return types.Definition{
		ID:            id,
		Name:          "Test Definition",
		RecordType:    recordType,
		Active:        true,
		Sequence:      sequence,
		MaxNodeVisits: 3,
		StartNodeID:   1,
		Nodes: []types.Node{
			{ID: 1, Name: "start", Kind: types.NodeTask},
			{ID: 2, Name: "end", Kind: types.NodeTask},
		},
		Transitions: []types.Transition{
			{ID: 10, FromNodeID: 1, ToNodeID: 2},
		},
	}
}

// Helper function to create a sample instance.
func newInstance(id uint64, recordType string, recordID uint64) types.Instance {
	return types.Instance{
		ID:            id,
		DefinitionID:  1,
		RecordType:    recordType,
		RecordID:      recordID,
		ActiveNodeIDs: []uint64{1},
		Counters:      map[uint64]int{},
		CreatedAt:     time.Now().UnixMilli(),
		UpdatedAt:     time.Now().UnixMilli(),
	}
}

func TestMemoryStorageDefinitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	def := newDefinition(1, "order", 0)
	assert.NoError(t, store.SaveDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, def.RecordType, got.RecordType)

	_, err = store.GetDefinition(ctx, 99)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestMemoryStorageDefinitionsByRecordType(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	assert.NoError(t, store.SaveDefinitions(ctx, []types.Definition{
		newDefinition(1, "order", 5),
		newDefinition(2, "order", 1),
		newDefinition(3, "invoice", 0),
	}))

	defs, err := store.DefinitionsByRecordType(ctx, "order")
	assert.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Equal(t, uint64(2), defs[0].ID, "definitions must be ordered by sequence")
	assert.Equal(t, uint64(1), defs[1].ID)

	defs, err = store.DefinitionsByRecordType(ctx, "missing")
	assert.NoError(t, err)
	assert.Empty(t, defs)
}

func TestMemoryStorageInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	inst := newInstance(7, "order", 42)
	assert.NoError(t, store.SaveInstance(ctx, inst))

	got, err := store.GetInstance(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	found, err := store.FindInstanceByRecord(ctx, "order", 42)
	assert.NoError(t, err)
	assert.Equal(t, inst.ID, found.ID)

	_, err = store.FindInstanceByRecord(ctx, "order", 43)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	assert.NoError(t, store.DeleteInstance(ctx, 7))
	_, err = store.GetInstance(ctx, 7)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestMemoryStorageContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStorage()
	assert.ErrorIs(t, store.SaveDefinition(ctx, newDefinition(1, "order", 0)), context.Canceled)
	_, err := store.FindInstanceByRecord(ctx, "order", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
