package types

import "fmt"

// Node kinds.
const (
	NodeTask              = "task"
	NodeExclusiveGateway  = "exclusive_gateway"
	NodeInclusiveGateway  = "inclusive_gateway"
	NodeParallelGateway   = "parallel_gateway"
	NodeIntermediateEvent = "intermediate_event"
)

// Definition describes an immutable process graph bound to one record type.
// Definitions are loaded once and never mutated at runtime.
type Definition struct {
	ID             uint64       `json:"id"`
	Name           string       `json:"name"`
	RecordType     string       `json:"record_type"`
	Active         bool         `json:"active"`
	Sequence       int          `json:"sequence"` // selection priority among definitions for the same record type
	MaxNodeVisits  int          `json:"max_node_visits"`
	StartNodeID    uint64       `json:"start_node_id"`
	StartCondition string       `json:"start_condition,omitempty"`
	Nodes          []Node       `json:"nodes"`
	Transitions    []Transition `json:"transitions"`
}

// Node is a vertex in the process graph: a task, a gateway or an event.
type Node struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Transition is a directed, optionally guarded edge between two nodes.
// Signal, RequiredRole and Condition are checked in that order; any of
// them may be empty.
type Transition struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	FromNodeID   uint64 `json:"from_node_id"`
	ToNodeID     uint64 `json:"to_node_id"`
	Sequence     int    `json:"sequence"`
	Signal       string `json:"signal,omitempty"`
	RequiredRole string `json:"required_role,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// Actor is the user on whose behalf a run executes.
type Actor struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// Instance is the runtime state of one definition bound to one business
// record. There is at most one live instance per (definition, record) pair.
type Instance struct {
	ID           uint64 `json:"id"`
	DefinitionID uint64 `json:"definition_id"`
	RecordType   string `json:"record_type"`
	RecordID     uint64 `json:"record_id"`

	// ActiveNodeIDs is the token-holding frontier, in arrival order.
	ActiveNodeIDs []uint64 `json:"active_node_ids"`

	// PendingArrivals maps a parallel-gateway node to the transitions
	// that already fired into it while sibling branches are still due.
	PendingArrivals map[uint64][]uint64 `json:"pending_arrivals,omitempty"`

	History  []HistoryEntry `json:"history"`
	Counters map[uint64]int `json:"counters"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// HistoryEntry records one fired transition. Seq is monotonic within the
// instance.
type HistoryEntry struct {
	ID           uint64 `json:"id"`
	TransitionID uint64 `json:"transition_id"`
	Seq          int    `json:"seq"`
	FiredAt      int64  `json:"fired_at"`
}

// HasActiveNode reports whether the node currently holds a token.
func (i *Instance) HasActiveNode(nodeID uint64) bool {
	for _, id := range i.ActiveNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// AddActiveNode places a token on the node. No-op if already present.
func (i *Instance) AddActiveNode(nodeID uint64) {
	if i.HasActiveNode(nodeID) {
		return
	}
	i.ActiveNodeIDs = append(i.ActiveNodeIDs, nodeID)
}

// RemoveActiveNode takes the token off the node, if any.
func (i *Instance) RemoveActiveNode(nodeID uint64) {
	for idx, id := range i.ActiveNodeIDs {
		if id == nodeID {
			i.ActiveNodeIDs = append(i.ActiveNodeIDs[:idx], i.ActiveNodeIDs[idx+1:]...)
			return
		}
	}
}

// AddPendingArrival records that the transition fired into the join node.
// Returns false if this arrival was already recorded.
func (i *Instance) AddPendingArrival(nodeID, transitionID uint64) bool {
	for _, id := range i.PendingArrivals[nodeID] {
		if id == transitionID {
			return false
		}
	}
	if i.PendingArrivals == nil {
		i.PendingArrivals = make(map[uint64][]uint64)
	}
	i.PendingArrivals[nodeID] = append(i.PendingArrivals[nodeID], transitionID)
	return true
}

// PendingFor returns the transitions that have arrived at the join node.
func (i *Instance) PendingFor(nodeID uint64) []uint64 {
	return i.PendingArrivals[nodeID]
}

// ClearPending drops the arrival set of a completed join.
func (i *Instance) ClearPending(nodeID uint64) {
	delete(i.PendingArrivals, nodeID)
}

// Clone returns a deep copy. The engine mutates a clone during a run and
// persists it only on success, so an aborted run leaves the stored
// instance untouched.
func (i *Instance) Clone() Instance {
	out := *i
	out.ActiveNodeIDs = append([]uint64(nil), i.ActiveNodeIDs...)
	out.History = append([]HistoryEntry(nil), i.History...)
	if i.Counters != nil {
		out.Counters = make(map[uint64]int, len(i.Counters))
		for k, v := range i.Counters {
			out.Counters[k] = v
		}
	}
	if i.PendingArrivals != nil {
		out.PendingArrivals = make(map[uint64][]uint64, len(i.PendingArrivals))
		for k, v := range i.PendingArrivals {
			out.PendingArrivals[k] = append([]uint64(nil), v...)
		}
	}
	return out
}

// Validate checks the structural integrity of a definition: unique IDs,
// known node kinds, a resolvable start node and transitions that only
// reference declared nodes. Cycles are allowed; they are guarded at
// runtime by MaxNodeVisits.
func (d *Definition) Validate() error {
	if d.ID == 0 {
		return fmt.Errorf("definition ID cannot be zero")
	}
	if d.Name == "" {
		return fmt.Errorf("definition must have a name")
	}
	if d.RecordType == "" {
		return fmt.Errorf("definition %q must declare a record type", d.Name)
	}
	if d.MaxNodeVisits < 1 {
		return fmt.Errorf("definition %q: max_node_visits must be at least 1", d.Name)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("definition %q must have at least one node", d.Name)
	}

	nodeIDs := make(map[uint64]bool, len(d.Nodes))
	for _, node := range d.Nodes {
		if node.ID == 0 {
			return fmt.Errorf("definition %q: node ID cannot be zero", d.Name)
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("definition %q: duplicate node ID %d", d.Name, node.ID)
		}
		nodeIDs[node.ID] = true
		switch node.Kind {
		case NodeTask, NodeExclusiveGateway, NodeInclusiveGateway, NodeParallelGateway, NodeIntermediateEvent:
		default:
			return fmt.Errorf("definition %q: node %d has unknown kind %q", d.Name, node.ID, node.Kind)
		}
	}

	if !nodeIDs[d.StartNodeID] {
		return fmt.Errorf("definition %q: start node %d not found", d.Name, d.StartNodeID)
	}

	transitionIDs := make(map[uint64]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		if t.ID == 0 {
			return fmt.Errorf("definition %q: transition ID cannot be zero", d.Name)
		}
		if transitionIDs[t.ID] {
			return fmt.Errorf("definition %q: duplicate transition ID %d", d.Name, t.ID)
		}
		transitionIDs[t.ID] = true
		if !nodeIDs[t.FromNodeID] {
			return fmt.Errorf("definition %q: transition %d starts at unknown node %d", d.Name, t.ID, t.FromNodeID)
		}
		if !nodeIDs[t.ToNodeID] {
			return fmt.Errorf("definition %q: transition %d targets unknown node %d", d.Name, t.ID, t.ToNodeID)
		}
	}

	return nil
}
