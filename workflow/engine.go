package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/identity"
	"github.com/procflow/procflow/rules"
	"github.com/procflow/procflow/storage"
	"github.com/procflow/procflow/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrNodeNotFound       = errors.New("node not found in definition")
)

// Event types published on the engine bus.
const (
	EventInstanceCreated = "instance_created"
	EventTransitionFired = "transition_fired"
	EventRunCompleted    = "run_completed"
	EventCycleDetected   = "cycle_detected"
)

// Context keys written by the guard pipeline.
const (
	// FlashKey carries the user-facing message set when a role check
	// blocks a transition.
	FlashKey = "flash"
	// ErrorsKey carries field errors merged from rejected guards.
	ErrorsKey = "errors"
)

// CycleError is the fatal abort raised when a node is entered more often
// than the definition's MaxNodeVisits allows. It fails the whole run and
// no instance state is persisted.
type CycleError struct {
	NodeID   uint64
	NodeName string
	Count    int
	Max      int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("passed by node %q %d times, limit is %d", e.NodeName, e.Count, e.Max)
}

// Engine advances business records through their process definitions.
// It owns no policy beyond the traversal rules; guard evaluation, role
// resolution and persistence are injected ports.
type Engine struct {
	definitions map[uint64]types.Definition
	instances   map[uint64]types.Instance
	evaluator   rules.Evaluator
	roles       identity.RoleChecker
	storage     storage.Storage
	eventBus    *events.Bus
	generate    generator.Generator
	logger      *slog.Logger
	now         func() int64
	mu          sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the timestamp source. Tests use this to get
// deterministic history entries.
func WithClock(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine. The generator is required; a nil storage
// falls back to memory, a nil evaluator to the expr evaluator, a nil
// role checker to static actor roles.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, roles identity.RoleChecker, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	if roles == nil {
		roles = identity.StaticChecker{}
	}

	e := &Engine{
		definitions: make(map[uint64]types.Definition),
		instances:   make(map[uint64]types.Instance),
		evaluator:   evaluator,
		roles:       roles,
		storage:     store,
		eventBus:    events.NewBus(),
		generate:    generate,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.eventBus.Subscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterDefinition validates and persists a process definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.storage.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to save definition: %w", err)
		}
		// Stale cache entries would mask the update.
		delete(e.definitions, def.ID)
		return nil
	}
}

// getDefinition retrieves a definition by ID, checking cache first then storage.
func (e *Engine) getDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()

	if ok {
		return def, nil
	}

	def, err := e.storage.GetDefinition(ctx, id)
	if err != nil {
		return types.Definition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	return def, nil
}

// saveInstance saves an instance to both cache and storage.
func (e *Engine) saveInstance(ctx context.Context, inst types.Instance) error {
	if err := e.storage.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	return nil
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType string, inst *types.Instance, data map[string]interface{}) {
	go e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Data:       data,
	})
}

// GetInstance retrieves an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		e.mu.RLock()
		inst, ok := e.instances[id]
		e.mu.RUnlock()
		if ok {
			return &inst, nil
		}

		inst, err := e.storage.GetInstance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get instance: %w", err)
		}

		e.mu.Lock()
		e.instances[inst.ID] = inst
		e.mu.Unlock()
		return &inst, nil
	}
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (*types.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		def, err := e.getDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		return &def, nil
	}
}

// Resolve returns the live instance for the record, creating one if a
// start-eligible definition exists. A nil instance with a nil error
// means no process applies to the record.
func (e *Engine) Resolve(ctx context.Context, recordType string, recordID uint64, wkfContext map[string]interface{}) (*types.Instance, error) {
	inst, err := e.storage.FindInstanceByRecord(ctx, recordType, recordID)
	if err == nil {
		return &inst, nil
	}
	if !errors.Is(err, storage.ErrInstanceNotFound) {
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}

	defs, err := e.storage.DefinitionsByRecordType(ctx, recordType)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions for %s: %w", recordType, err)
	}

	for _, def := range defs {
		if !def.Active {
			continue
		}
		if def.StartCondition != "" {
			verdict, err := e.evaluator.Evaluate(def.StartCondition, wkfContext)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate start condition of %q: %w", def.Name, err)
			}
			if !verdict.Passed || verdict.Rejected() {
				e.logger.Debug("definition not startable", "definition", def.Name)
				continue
			}
		}
		return e.createInstance(ctx, def, recordType, recordID)
	}

	e.logger.Debug("no workflow for record", "record_type", recordType, "record_id", recordID)
	return nil, nil
}

// createInstance builds and persists a fresh instance with a single
// token on the definition's start node.
func (e *Engine) createInstance(ctx context.Context, def types.Definition, recordType string, recordID uint64) (*types.Instance, error) {
	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	inst := types.Instance{
		ID:            id,
		DefinitionID:  def.ID,
		RecordType:    recordType,
		RecordID:      recordID,
		ActiveNodeIDs: []uint64{def.StartNodeID},
		Counters:      make(map[uint64]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.saveInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Debug("instance created", "instance", inst.ID, "definition", def.Name)
	e.publishEvent(ctx, EventInstanceCreated, &inst, map[string]interface{}{
		"definition_id": def.ID,
	})

	return &inst, nil
}

// RunOptions carries the per-run inputs: who triggers the run, an
// optional external signal, and the shared context threaded through
// guard evaluation.
type RunOptions struct {
	Actor   *types.Actor
	Signal  string
	Context map[string]interface{}
}

// Run resolves the instance for the record and drives its active nodes
// to quiescence. It returns the shared context, possibly augmented with
// guard errors, and a non-nil error only on fatal failures. On a
// CycleError no instance mutation is persisted.
func (e *Engine) Run(ctx context.Context, recordType string, recordID uint64, opts RunOptions) (map[string]interface{}, error) {
	wkfContext := opts.Context
	if wkfContext == nil {
		wkfContext = make(map[string]interface{})
	}

	select {
	case <-ctx.Done():
		return wkfContext, ctx.Err()
	default:
	}

	inst, err := e.Resolve(ctx, recordType, recordID, wkfContext)
	if err != nil {
		return wkfContext, err
	}
	if inst == nil {
		return wkfContext, nil
	}

	def, err := e.getDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return wkfContext, ErrDefinitionNotFound
	}

	// The walk mutates a clone; the stored instance only changes if the
	// whole walk succeeds.
	working := inst.Clone()
	r := newRun(e, def, &working, opts.Actor, opts.Signal, wkfContext)

	if err := r.play(ctx); err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			e.publishEvent(ctx, EventCycleDetected, inst, map[string]interface{}{
				"node_id": cycle.NodeID,
				"count":   cycle.Count,
			})
		}
		return wkfContext, err
	}

	working.UpdatedAt = e.now()
	if err := e.saveInstance(ctx, working); err != nil {
		return wkfContext, err
	}

	e.logger.Debug("run completed", "instance", working.ID, "active_nodes", working.ActiveNodeIDs)
	e.publishEvent(ctx, EventRunCompleted, &working, map[string]interface{}{
		"active_nodes": append([]uint64(nil), working.ActiveNodeIDs...),
	})

	return wkfContext, nil
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
