package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/covenantlabs/covenant/pkg/event"
)

// GuardInput is what guards see: the rehydrated aggregate state, a view of
// the instance, and the acting party.
type GuardInput struct {
	State    map[string]any
	Instance *Instance
	Actor    event.Actor
}

// GuardFunc is a Go guard registered by name. It must be side-effect free.
type GuardFunc func(ctx context.Context, in GuardInput) (bool, error)

// celEvaluator compiles and caches CEL guard programs. Programs carry a
// cost limit and interrupt checks so a pathological expression cannot stall
// a transition.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.DynType),
		cel.Variable("instance", cel.DynType),
		cel.Variable("actor", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: create CEL environment: %w", err)
	}
	return &celEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (e *celEvaluator) evaluate(ctx context.Context, expr string, in GuardInput) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"state":    in.State,
		"instance": instanceInput(in.Instance),
		"actor":    actorInput(in.Actor),
	}
	if input["state"] == nil {
		input["state"] = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression %q did not yield a bool", expr)
	}
	return val, nil
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

func instanceInput(inst *Instance) map[string]any {
	if inst == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":             inst.ID,
		"definition_id":  inst.DefinitionID,
		"current_state":  inst.CurrentState,
		"aggregate_type": string(inst.AggregateType),
		"aggregate_id":   inst.AggregateID,
		"complete":       inst.Complete,
	}
}

func actorInput(a event.Actor) map[string]any {
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]any{"kind": string(a.Kind)}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"kind": string(a.Kind)}
	}
	return out
}
