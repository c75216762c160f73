package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/procflow/procflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltStore(t *testing.T) *BoltStorage {
	t.Helper()
	store, err := NewBoltStorage(filepath.Join(t.TempDir(), "wkf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStorageDefinitions(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)

	def := newDefinition(1, "order", 0)
	assert.NoError(t, store.SaveDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, def.Nodes, got.Nodes)

	_, err = store.GetDefinition(ctx, 99)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestBoltStorageDefinitionsByRecordType(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)

	assert.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "order", 5)))
	assert.NoError(t, store.SaveDefinition(ctx, newDefinition(2, "order", 1)))
	assert.NoError(t, store.SaveDefinition(ctx, newDefinition(3, "invoice", 0)))

	defs, err := store.DefinitionsByRecordType(ctx, "order")
	assert.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, uint64(2), defs[0].ID, "definitions must be ordered by sequence")
	assert.Equal(t, uint64(1), defs[1].ID)
}

func TestBoltStorageInstances(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)

	inst := newInstance(7, "order", 42)
	inst.PendingArrivals = map[uint64][]uint64{4: {202}}
	inst.History = []types.HistoryEntry{{ID: 1, TransitionID: 10, Seq: 1, FiredAt: 1}}
	assert.NoError(t, store.SaveInstance(ctx, inst))

	got, err := store.GetInstance(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, inst.ActiveNodeIDs, got.ActiveNodeIDs)
	assert.Equal(t, inst.PendingArrivals, got.PendingArrivals)
	assert.Equal(t, inst.History, got.History)

	found, err := store.FindInstanceByRecord(ctx, "order", 42)
	assert.NoError(t, err)
	assert.Equal(t, inst.ID, found.ID)

	_, err = store.FindInstanceByRecord(ctx, "order", 43)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	assert.NoError(t, store.DeleteInstance(ctx, 7))
	_, err = store.GetInstance(ctx, 7)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestBoltStorageReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wkf.db")

	store, err := NewBoltStorage(path)
	require.NoError(t, err)
	assert.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "order", 0)))
	require.NoError(t, store.Close())

	store, err = NewBoltStorage(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetDefinition(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID)
}
