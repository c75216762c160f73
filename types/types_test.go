package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		ID:            1,
		Name:          "Order Approval",
		RecordType:    "order",
		Active:        true,
		MaxNodeVisits: 1,
		StartNodeID:   1,
		Nodes: []Node{
			{ID: 1, Name: "draft", Kind: NodeTask},
			{ID: 2, Name: "route", Kind: NodeExclusiveGateway},
			{ID: 3, Name: "done", Kind: NodeTask},
		},
		Transitions: []Transition{
			{ID: 10, FromNodeID: 1, ToNodeID: 2},
			{ID: 11, FromNodeID: 2, ToNodeID: 3},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		errMsg string
	}{
		{"Valid definition", func(d *Definition) {}, ""},
		{"Zero ID", func(d *Definition) { d.ID = 0 }, "ID cannot be zero"},
		{"Missing name", func(d *Definition) { d.Name = "" }, "must have a name"},
		{"Missing record type", func(d *Definition) { d.RecordType = "" }, "record type"},
		{"Bad max node visits", func(d *Definition) { d.MaxNodeVisits = 0 }, "max_node_visits"},
		{"No nodes", func(d *Definition) { d.Nodes = nil }, "at least one node"},
		{"Zero node ID", func(d *Definition) { d.Nodes[0].ID = 0 }, "node ID cannot be zero"},
		{"Duplicate node ID", func(d *Definition) { d.Nodes[1].ID = 1 }, "duplicate node ID"},
		{"Unknown node kind", func(d *Definition) { d.Nodes[0].Kind = "subprocess" }, "unknown kind"},
		{"Missing start node", func(d *Definition) { d.StartNodeID = 99 }, "start node 99 not found"},
		{"Zero transition ID", func(d *Definition) { d.Transitions[0].ID = 0 }, "transition ID cannot be zero"},
		{"Duplicate transition ID", func(d *Definition) { d.Transitions[1].ID = 10 }, "duplicate transition ID"},
		{"Transition from unknown node", func(d *Definition) { d.Transitions[0].FromNodeID = 99 }, "starts at unknown node"},
		{"Transition to unknown node", func(d *Definition) { d.Transitions[1].ToNodeID = 99 }, "targets unknown node"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInstanceActiveNodes(t *testing.T) {
	inst := Instance{}

	inst.AddActiveNode(1)
	inst.AddActiveNode(2)
	inst.AddActiveNode(1) // no duplicate token
	assert.Equal(t, []uint64{1, 2}, inst.ActiveNodeIDs)
	assert.True(t, inst.HasActiveNode(1))
	assert.False(t, inst.HasActiveNode(3))

	inst.RemoveActiveNode(1)
	assert.Equal(t, []uint64{2}, inst.ActiveNodeIDs)

	inst.RemoveActiveNode(99) // absent node is a no-op
	assert.Equal(t, []uint64{2}, inst.ActiveNodeIDs)
}

func TestInstancePendingArrivals(t *testing.T) {
	inst := Instance{}

	assert.True(t, inst.AddPendingArrival(4, 202))
	assert.False(t, inst.AddPendingArrival(4, 202), "duplicate arrival must be rejected")
	assert.True(t, inst.AddPendingArrival(4, 203))

	assert.Equal(t, []uint64{202, 203}, inst.PendingFor(4))
	assert.Empty(t, inst.PendingFor(5))

	inst.ClearPending(4)
	assert.Empty(t, inst.PendingFor(4))
}

func TestInstanceClone(t *testing.T) {
	inst := Instance{
		ID:            7,
		ActiveNodeIDs: []uint64{1, 2},
		History:       []HistoryEntry{{ID: 1, TransitionID: 10, Seq: 1}},
		Counters:      map[uint64]int{1: 2},
		PendingArrivals: map[uint64][]uint64{
			4: {202},
		},
	}

	clone := inst.Clone()
	clone.AddActiveNode(3)
	clone.RemoveActiveNode(1)
	clone.History = append(clone.History, HistoryEntry{ID: 2, TransitionID: 11, Seq: 2})
	clone.Counters[1] = 5
	clone.AddPendingArrival(4, 203)

	assert.Equal(t, []uint64{1, 2}, inst.ActiveNodeIDs)
	assert.Len(t, inst.History, 1)
	assert.Equal(t, 2, inst.Counters[1])
	assert.Equal(t, []uint64{202}, inst.PendingArrivals[4])
}
