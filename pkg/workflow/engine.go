package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

// CapabilityResolver reports which capabilities an actor holds. The system
// actor bypasses resolution entirely.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, actor event.Actor) ([]string, error)
}

// StateFetcher provides the rehydrated state of the instance's target
// aggregate to guards. Typically backed by an AggregateRehydrator.
type StateFetcher func(ctx context.Context, at event.AggregateType, id string) (map[string]any, error)

// ActionFunc is a named side effect run when a transition is applied.
// Actions may append further events through the log.
type ActionFunc func(ctx context.Context, inst *Instance, actor event.Actor) error

// Engine runs workflow instances against the event log. Definitions and
// instances live in memory; the events appended per start/transition are
// the durable record.
type Engine struct {
	log          eventlog.Log
	cel          *celEvaluator
	capabilities CapabilityResolver
	fetchState   StateFetcher
	logger       *slog.Logger

	mu         sync.RWMutex
	defs       map[string]map[string]*Definition // id -> version -> definition
	latest     map[string]*semver.Version
	instances  map[string]*Instance
	funcGuards map[string]GuardFunc
	actions    map[string]ActionFunc

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // one transition in flight per instance
}

// NewEngine creates an engine over the given log.
func NewEngine(log eventlog.Log) (*Engine, error) {
	evaluator, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:        log,
		cel:        evaluator,
		logger:     slog.Default().With("component", "workflow"),
		defs:       make(map[string]map[string]*Definition),
		latest:     make(map[string]*semver.Version),
		instances:  make(map[string]*Instance),
		funcGuards: make(map[string]GuardFunc),
		actions:    make(map[string]ActionFunc),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// WithCapabilityResolver wires actor capability lookups. Without one, only
// the system actor passes capability-gated transitions.
func (e *Engine) WithCapabilityResolver(r CapabilityResolver) *Engine {
	e.capabilities = r
	return e
}

// WithStateFetcher wires aggregate state lookups for guards.
func (e *Engine) WithStateFetcher(f StateFetcher) *Engine {
	e.fetchState = f
	return e
}

// RegisterGuard binds a Go guard to a name referenced by definitions.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) error {
	if name == "" || fn == nil {
		return errors.New("workflow: guard needs a name and a func")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.funcGuards[name]; exists {
		return fmt.Errorf("workflow: guard %q already registered", name)
	}
	e.funcGuards[name] = fn
	return nil
}

// RegisterAction binds a named action referenced by definitions.
func (e *Engine) RegisterAction(name string, fn ActionFunc) error {
	if name == "" || fn == nil {
		return errors.New("workflow: action needs a name and a func")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.actions[name]; exists {
		return fmt.Errorf("workflow: action %q already registered", name)
	}
	e.actions[name] = fn
	return nil
}

// RegisterDefinition stores a validated definition. Re-registering the same
// id+version with identical content is a no-op; different content for the
// same id+version is rejected.
func (e *Engine) RegisterDefinition(def *Definition) error {
	if def == nil {
		return errors.New("workflow: nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	version := semver.MustParse(def.Version)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing := e.defs[def.ID][def.Version]; existing != nil {
		if reflect.DeepEqual(existing, def) {
			return nil
		}
		return fmt.Errorf("%w: %s@%s", ErrDefinitionConflict, def.ID, def.Version)
	}
	if e.defs[def.ID] == nil {
		e.defs[def.ID] = make(map[string]*Definition)
	}
	e.defs[def.ID][def.Version] = def
	if current := e.latest[def.ID]; current == nil || version.GreaterThan(current) {
		e.latest[def.ID] = version
	}
	e.logger.Info("workflow definition registered", "definition_id", def.ID, "version", def.Version)
	return nil
}

func (e *Engine) definition(id, version string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def := e.defs[id][version]
	if def == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrDefinitionNotFound, id, version)
	}
	return def, nil
}

// StartWorkflow creates an instance of the definition's latest version at
// its initial state and records a WorkflowStarted event.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, at event.AggregateType, aggregateID string, actor event.Actor) (*Instance, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	latest := e.latest[definitionID]
	var def *Definition
	if latest != nil {
		def = e.defs[definitionID][latest.Original()]
	}
	e.mu.RUnlock()
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}

	inst := &Instance{
		ID:                "wf-" + uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		AggregateType:     at,
		AggregateID:       aggregateID,
		CurrentState:      def.InitialState,
	}

	appended, err := e.log.Append(ctx, event.Draft{
		Type:             EventWorkflowStarted,
		AggregateType:    event.AggregateWorkflow,
		AggregateID:      inst.ID,
		AggregateVersion: 1,
		Payload: map[string]any{
			"definition_id":         def.ID,
			"definition_version":    def.Version,
			"initial_state":         def.InitialState,
			"target_aggregate_type": string(at),
			"target_aggregate_id":   aggregateID,
		},
		Causation: &event.Causation{WorkflowInstanceID: inst.ID},
		Actor:     actor,
	})
	if err != nil {
		return nil, err
	}
	inst.CreatedAt = appended.Timestamp
	inst.UpdatedAt = appended.Timestamp

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	return snapshot(inst), nil
}

// GetInstance returns a copy of the instance or ErrInstanceNotFound.
func (e *Engine) GetInstance(id string) (*Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return snapshot(inst), nil
}

// GetAvailableTransitions returns the transitions from the instance's
// current state that the actor could take right now: capability held and
// every guard true. Purely a query, no side effects.
func (e *Engine) GetAvailableTransitions(ctx context.Context, instanceID string, actor event.Actor) ([]Transition, error) {
	// Work on a private copy: concurrent Transition calls mutate the live
	// instance under e.mu.
	e.mu.RLock()
	live, ok := e.instances[instanceID]
	var inst *Instance
	if ok {
		inst = snapshot(live)
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.Complete {
		return nil, nil
	}
	def, err := e.definition(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	var available []Transition
	for _, t := range def.Transitions {
		if t.From != inst.CurrentState {
			continue
		}
		allowed, err := e.hasCapability(ctx, actor, t.RequiredCapability)
		if err != nil {
			return nil, err
		}
		if !allowed {
			continue
		}
		if ok, _, _ := e.evalGuards(ctx, t, inst, actor); ok {
			available = append(available, t)
		}
	}
	return available, nil
}

// Transition attempts the named transition. All validation failures come
// back as typed results with the instance untouched; only infrastructure
// problems (log unavailable, broken action) surface as errors.
func (e *Engine) Transition(ctx context.Context, instanceID, transitionName string, actor event.Actor) (*TransitionResult, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	lock := e.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	result := &TransitionResult{
		InstanceID: instanceID,
		Transition: transitionName,
		FromState:  inst.CurrentState,
	}

	if inst.Complete {
		result.Outcome = OutcomeAlreadyComplete
		result.Reason = fmt.Sprintf("instance is terminal in state %q", inst.CurrentState)
		result.Complete = true
		e.releaseLock(instanceID)
		return result, nil
	}

	def, err := e.definition(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	var transition *Transition
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.Name == transitionName && t.From == inst.CurrentState {
			transition = t
			break
		}
	}
	if transition == nil {
		result.Outcome = OutcomeInvalidTransition
		result.Reason = fmt.Sprintf("no transition %q from state %q", transitionName, inst.CurrentState)
		return result, nil
	}
	result.ToState = transition.To

	allowed, err := e.hasCapability(ctx, actor, transition.RequiredCapability)
	if err != nil {
		return nil, err
	}
	if !allowed {
		result.Outcome = OutcomeUnauthorized
		result.Reason = fmt.Sprintf("actor lacks capability %q", transition.RequiredCapability)
		return result, nil
	}

	if ok, guardName, reason := e.evalGuards(ctx, *transition, inst, actor); !ok {
		result.Outcome = OutcomeGuardRejected
		result.GuardName = guardName
		result.Reason = reason
		return result, nil
	}

	for _, name := range transition.Actions {
		e.mu.RLock()
		action := e.actions[name]
		e.mu.RUnlock()
		if action == nil {
			return nil, fmt.Errorf("workflow: transition %q names unregistered action %q", transitionName, name)
		}
		if err := action(ctx, snapshot(inst), actor); err != nil {
			return nil, fmt.Errorf("workflow: action %q: %w", name, err)
		}
	}

	complete := def.IsTerminal(transition.To)
	appended, err := e.log.Append(ctx, event.Draft{
		Type:             EventWorkflowTransitioned,
		AggregateType:    event.AggregateWorkflow,
		AggregateID:      inst.ID,
		AggregateVersion: uint64(len(inst.History)) + 2,
		Payload: map[string]any{
			"transition": transition.Name,
			"from":       transition.From,
			"to":         transition.To,
			"complete":   complete,
		},
		Causation: &event.Causation{WorkflowInstanceID: inst.ID},
		Actor:     actor,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	inst.CurrentState = transition.To
	inst.Complete = complete
	inst.UpdatedAt = appended.Timestamp
	inst.History = append(inst.History, TransitionRecord{
		Name:  transition.Name,
		From:  transition.From,
		To:    transition.To,
		Actor: actor,
		At:    appended.Timestamp,
	})
	e.mu.Unlock()
	if complete {
		e.releaseLock(instanceID)
	}

	result.Outcome = OutcomeApplied
	result.Complete = complete
	result.Event = appended
	return result, nil
}

func (e *Engine) hasCapability(ctx context.Context, actor event.Actor, required string) (bool, error) {
	if required == "" {
		return true, nil
	}
	if actor.Kind == event.ActorSystem {
		return true, nil
	}
	if e.capabilities == nil {
		return false, nil
	}
	caps, err := e.capabilities.Capabilities(ctx, actor)
	if err != nil {
		return false, fmt.Errorf("workflow: resolve capabilities: %w", err)
	}
	for _, c := range caps {
		if c == required {
			return true, nil
		}
	}
	return false, nil
}

// evalGuards evaluates the transition's guards in order, short-circuiting
// on the first false one. Evaluation errors, including caller-supplied
// timeouts, count as a failed guard rather than a crash.
func (e *Engine) evalGuards(ctx context.Context, t Transition, inst *Instance, actor event.Actor) (bool, string, string) {
	if len(t.Guards) == 0 {
		return true, "", ""
	}

	in := GuardInput{Instance: snapshot(inst), Actor: actor}
	if e.fetchState != nil {
		state, err := e.fetchState(ctx, inst.AggregateType, inst.AggregateID)
		if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
			return false, t.Guards[0].Name, fmt.Sprintf("state lookup failed: %v", err)
		}
		in.State = state
	}
	if in.State == nil {
		in.State = map[string]any{}
	}

	for _, g := range t.Guards {
		var (
			ok  bool
			err error
		)
		if g.Expr != "" {
			ok, err = e.cel.evaluate(ctx, g.Expr, in)
		} else {
			e.mu.RLock()
			fn := e.funcGuards[g.Name]
			e.mu.RUnlock()
			if fn == nil {
				return false, g.Name, fmt.Sprintf("guard %q is not registered", g.Name)
			}
			ok, err = fn(ctx, in)
		}
		if err != nil {
			return false, g.Name, fmt.Sprintf("guard evaluation failed: %v", err)
		}
		if !ok {
			return false, g.Name, fmt.Sprintf("guard %q rejected the transition", g.Name)
		}
	}
	return true, "", ""
}

func (e *Engine) instanceLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// releaseLock drops the lock entry for an instance that can no longer
// transition. A goroutine still holding the old mutex is harmless: terminal
// instances are never mutated again.
func (e *Engine) releaseLock(id string) {
	e.lockMu.Lock()
	delete(e.locks, id)
	e.lockMu.Unlock()
}

func snapshot(inst *Instance) *Instance {
	cp := *inst
	cp.History = append([]TransitionRecord(nil), inst.History...)
	return &cp
}
