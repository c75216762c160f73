package workflow

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/types"
)

// graphIndex is the per-run view of a definition: nodes by ID and
// transitions grouped by endpoint, ordered by declared sequence.
type graphIndex struct {
	nodes    map[uint64]types.Node
	outgoing map[uint64][]types.Transition
	incoming map[uint64][]types.Transition
}

func indexGraph(def types.Definition) graphIndex {
	g := graphIndex{
		nodes:    make(map[uint64]types.Node, len(def.Nodes)),
		outgoing: make(map[uint64][]types.Transition),
		incoming: make(map[uint64][]types.Transition),
	}
	for _, node := range def.Nodes {
		g.nodes[node.ID] = node
	}
	// Definition slices are already in declared order; a stable sort by
	// Sequence keeps explicit ordering without disturbing ties.
	for _, t := range def.Transitions {
		g.outgoing[t.FromNodeID] = insertBySequence(g.outgoing[t.FromNodeID], t)
		g.incoming[t.ToNodeID] = insertBySequence(g.incoming[t.ToNodeID], t)
	}
	return g
}

func insertBySequence(list []types.Transition, t types.Transition) []types.Transition {
	pos := len(list)
	for i := range list {
		if t.Sequence < list[i].Sequence {
			pos = i
			break
		}
	}
	list = append(list, types.Transition{})
	copy(list[pos+1:], list[pos:])
	list[pos] = t
	return list
}

// run is the state of a single graph walk: one instance, one actor, one
// signal, one shared context. It is never reused across Run calls.
type run struct {
	engine     *Engine
	def        types.Definition
	inst       *types.Instance
	actor      *types.Actor
	signal     string
	wkfContext map[string]interface{}
	graph      graphIndex
}

func newRun(e *Engine, def types.Definition, inst *types.Instance, actor *types.Actor, signal string, wkfContext map[string]interface{}) *run {
	return &run{
		engine:     e,
		def:        def,
		inst:       inst,
		actor:      actor,
		signal:     signal,
		wkfContext: wkfContext,
		graph:      indexGraph(def),
	}
}

// workItem is one pending step of the walk: play a token-holding node,
// or complete an arrival over a fired transition.
type workItem struct {
	nodeID uint64
	via    *types.Transition
}

// play drives the active-node frontier to quiescence with an explicit
// LIFO work list. The stack order reproduces the depth-first traversal
// of a recursive walk without tying termination to stack depth; only the
// visit counters bound the walk.
func (r *run) play(ctx context.Context) error {
	snapshot := append([]uint64(nil), r.inst.ActiveNodeIDs...)

	stack := make([]workItem, 0, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		stack = append(stack, workItem{nodeID: snapshot[i]})
	}

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var err error
		if item.via != nil {
			err = r.arrive(ctx, *item.via, &stack)
		} else {
			err = r.playNode(ctx, item.nodeID, &stack)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// playNode attempts to move the token off a node through its outgoing
// transitions. A node with no outgoing transitions is terminal and keeps
// its token.
func (r *run) playNode(ctx context.Context, nodeID uint64, stack *[]workItem) error {
	node, ok := r.graph.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNodeNotFound, nodeID)
	}

	outgoing := r.graph.outgoing[nodeID]
	if len(outgoing) == 0 {
		return nil
	}

	r.engine.logger.Debug("play node", "node", node.Name)

	switch node.Kind {
	case types.NodeInclusiveGateway:
		// OR-split: every transition that independently passes fires
		// and produces its own token.
		var fired []types.Transition
		for _, t := range outgoing {
			ok, err := r.tryFire(t)
			if err != nil {
				return err
			}
			if ok {
				fired = append(fired, t)
			}
		}
		for i := len(fired) - 1; i >= 0; i-- {
			t := fired[i]
			*stack = append(*stack, workItem{via: &t})
		}
	default:
		// Task, exclusive gateway, intermediate event and the outgoing
		// side of a parallel gateway: first transition that passes wins.
		for _, t := range outgoing {
			ok, err := r.tryFire(t)
			if err != nil {
				return err
			}
			if ok {
				t := t
				*stack = append(*stack, workItem{via: &t})
				break
			}
		}
	}

	return nil
}

// tryFire is the guard pipeline for one transition: signal gate, role
// gate, then the guard expression. It has no effect on instance state;
// it only reads external inputs and may add user-facing messages to the
// shared context.
func (r *run) tryFire(t types.Transition) (bool, error) {
	r.engine.logger.Debug("try transition", "transition", t.Name)

	if t.Signal != "" && t.Signal != r.signal {
		r.engine.logger.Debug("signal mismatch", "transition", t.Name, "want", t.Signal)
		return false, nil
	}

	if t.RequiredRole != "" {
		if r.actor == nil || !r.engine.roles.HasRole(r.actor, t.RequiredRole) {
			r.engine.logger.Debug("missing role", "transition", t.Name, "role", t.RequiredRole)
			r.wkfContext[FlashKey] = "You have no sufficient rights."
			return false, nil
		}
	}

	if t.Condition != "" {
		verdict, err := r.engine.evaluator.Evaluate(t.Condition, r.wkfContext)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition %q: %w", t.Condition, err)
		}
		if verdict.Rejected() {
			r.mergeErrors(verdict.Errors)
			return false, nil
		}
		return verdict.Passed, nil
	}

	return true, nil
}

// mergeErrors folds guard field errors into the shared context for the
// caller to display.
func (r *run) mergeErrors(fieldErrors map[string]string) {
	existing, _ := r.wkfContext[ErrorsKey].(map[string]string)
	if existing == nil {
		existing = make(map[string]string, len(fieldErrors))
	}
	for field, msg := range fieldErrors {
		existing[field] = msg
	}
	r.wkfContext[ErrorsKey] = existing
}

// arrive completes a fired transition. For a parallel-gateway target the
// arrival joins the pending set and the gateway only advances once every
// incoming transition has arrived; for any other target the token moves
// immediately.
func (r *run) arrive(ctx context.Context, t types.Transition, stack *[]workItem) error {
	target, ok := r.graph.nodes[t.ToNodeID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNodeNotFound, t.ToNodeID)
	}

	if target.Kind == types.NodeParallelGateway {
		return r.joinArrive(ctx, t, target, stack)
	}

	if err := r.advance(ctx, t, target); err != nil {
		return err
	}
	*stack = append(*stack, workItem{nodeID: target.ID})
	return nil
}

// joinArrive parks the arriving branch and, when the last sibling shows
// up, consumes all tokens at once and releases the gateway.
func (r *run) joinArrive(ctx context.Context, t types.Transition, target types.Node, stack *[]workItem) error {
	r.inst.AddPendingArrival(target.ID, t.ID)
	r.inst.RemoveActiveNode(t.FromNodeID)

	required := r.graph.incoming[target.ID]
	pending := r.inst.PendingFor(target.ID)
	if !containsAll(pending, required) {
		r.engine.logger.Debug("join waiting", "node", target.Name, "arrived", len(pending), "required", len(required))
		return nil
	}

	// Completed join: one advance per consumed token, in declared order.
	for _, in := range required {
		if err := r.historize(in); err != nil {
			return err
		}
		if err := r.counterAdd(target); err != nil {
			return err
		}
		r.publishFired(ctx, in)
	}

	r.inst.ClearPending(target.ID)
	r.inst.AddActiveNode(target.ID)

	r.engine.logger.Debug("join completed", "node", target.Name)
	*stack = append(*stack, workItem{nodeID: target.ID})
	return nil
}

// advance applies the common post-fire step: record history, move the
// token from source to target, bump the target's visit counter and
// enforce the cycle guard.
func (r *run) advance(ctx context.Context, t types.Transition, target types.Node) error {
	if err := r.historize(t); err != nil {
		return err
	}

	r.inst.RemoveActiveNode(t.FromNodeID)
	r.inst.AddActiveNode(target.ID)

	if err := r.counterAdd(target); err != nil {
		return err
	}

	r.engine.logger.Debug("fired transition", "transition", t.Name, "to", target.Name)
	r.publishFired(ctx, t)
	return nil
}

// historize appends the fired transition to the instance history.
func (r *run) historize(t types.Transition) error {
	id, err := r.engine.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate history ID: %w", err)
	}
	r.inst.History = append(r.inst.History, types.HistoryEntry{
		ID:           id,
		TransitionID: t.ID,
		Seq:          len(r.inst.History) + 1,
		FiredAt:      r.engine.now(),
	})
	return nil
}

// counterAdd increments the node's visit counter and aborts the run with
// a CycleError once the definition's ceiling is exceeded.
func (r *run) counterAdd(node types.Node) error {
	if r.inst.Counters == nil {
		r.inst.Counters = make(map[uint64]int)
	}
	count := r.inst.Counters[node.ID] + 1
	r.inst.Counters[node.ID] = count

	r.engine.logger.Debug("node counter", "node", node.Name, "count", count, "max", r.def.MaxNodeVisits)

	if count > r.def.MaxNodeVisits {
		return &CycleError{
			NodeID:   node.ID,
			NodeName: node.Name,
			Count:    count,
			Max:      r.def.MaxNodeVisits,
		}
	}
	return nil
}

func (r *run) publishFired(ctx context.Context, t types.Transition) {
	r.engine.publishEvent(ctx, EventTransitionFired, r.inst, map[string]interface{}{
		"transition_id": t.ID,
		"from_node_id":  t.FromNodeID,
		"to_node_id":    t.ToNodeID,
	})
}

// containsAll reports whether every required transition has arrived.
func containsAll(arrived []uint64, required []types.Transition) bool {
	if len(arrived) < len(required) {
		return false
	}
	for _, req := range required {
		found := false
		for _, id := range arrived {
			if id == req.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
