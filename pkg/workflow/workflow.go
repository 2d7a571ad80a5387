// Package workflow implements named, versioned state machines bound to
// aggregates. Definitions are declarative; the engine itself knows no
// domain-specific transitions. Every successful transition is recorded as
// an event on the instance's aggregate stream.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/covenantlabs/covenant/pkg/event"
)

// Event types appended by the engine.
const (
	EventWorkflowStarted      = "WorkflowStarted"
	EventWorkflowTransitioned = "WorkflowTransitioned"
)

// Guard is a predicate on a transition. A guard with an Expr is a CEL
// expression evaluated over {state, instance, actor}; a guard without one
// refers to a func guard registered under its Name.
type Guard struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Transition is one named edge of the state machine.
type Transition struct {
	Name               string   `json:"name" yaml:"name"`
	From               string   `json:"from" yaml:"from"`
	To                 string   `json:"to" yaml:"to"`
	RequiredCapability string   `json:"required_capability,omitempty" yaml:"required_capability,omitempty"`
	Guards             []Guard  `json:"guards,omitempty" yaml:"guards,omitempty"`
	Actions            []string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Definition is a named, versioned state machine.
type Definition struct {
	ID             string       `json:"id" yaml:"id"`
	Version        string       `json:"version" yaml:"version"`
	InitialState   string       `json:"initial_state" yaml:"initial_state"`
	States         []string     `json:"states" yaml:"states"`
	TerminalStates []string     `json:"terminal_states,omitempty" yaml:"terminal_states,omitempty"`
	Transitions    []Transition `json:"transitions" yaml:"transitions"`
}

// Validate checks the definition's internal consistency.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("workflow: definition id is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("workflow: definition %s: invalid version %q: %w", d.ID, d.Version, err)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("workflow: definition %s: no states", d.ID)
	}
	states := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if s == "" {
			return fmt.Errorf("workflow: definition %s: empty state name", d.ID)
		}
		if states[s] {
			return fmt.Errorf("workflow: definition %s: duplicate state %q", d.ID, s)
		}
		states[s] = true
	}
	if !states[d.InitialState] {
		return fmt.Errorf("workflow: definition %s: initial state %q is not a state", d.ID, d.InitialState)
	}
	for _, s := range d.TerminalStates {
		if !states[s] {
			return fmt.Errorf("workflow: definition %s: terminal state %q is not a state", d.ID, s)
		}
	}
	seen := make(map[string]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		if t.Name == "" {
			return fmt.Errorf("workflow: definition %s: unnamed transition", d.ID)
		}
		key := t.From + "\x00" + t.Name
		if seen[key] {
			return fmt.Errorf("workflow: definition %s: duplicate transition %q from %q", d.ID, t.Name, t.From)
		}
		seen[key] = true
		if !states[t.From] {
			return fmt.Errorf("workflow: definition %s: transition %q from unknown state %q", d.ID, t.Name, t.From)
		}
		if !states[t.To] {
			return fmt.Errorf("workflow: definition %s: transition %q to unknown state %q", d.ID, t.Name, t.To)
		}
	}
	return nil
}

// IsTerminal reports whether the state is terminal for this definition.
func (d *Definition) IsTerminal(state string) bool {
	for _, s := range d.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

// TransitionRecord is one taken transition in an instance's history.
type TransitionRecord struct {
	Name  string      `json:"name"`
	From  string      `json:"from"`
	To    string      `json:"to"`
	Actor event.Actor `json:"actor"`
	At    time.Time   `json:"at"`
}

// Instance is a live binding of a definition to one aggregate. Terminal
// instances are frozen: no further transitions are accepted.
type Instance struct {
	ID                string              `json:"id"`
	DefinitionID      string              `json:"definition_id"`
	DefinitionVersion string              `json:"definition_version"`
	AggregateType     event.AggregateType `json:"aggregate_type"`
	AggregateID       string              `json:"aggregate_id"`
	CurrentState      string              `json:"current_state"`
	Complete          bool                `json:"complete"`
	History           []TransitionRecord  `json:"history,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Outcome classifies the result of a transition attempt.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeUnauthorized      Outcome = "unauthorized"
	OutcomeGuardRejected     Outcome = "guard_rejected"
	OutcomeAlreadyComplete   Outcome = "already_complete"
)

// TransitionResult is the structured, non-fatal outcome of Transition. On
// anything but OutcomeApplied the instance is unchanged.
type TransitionResult struct {
	Outcome    Outcome      `json:"outcome"`
	InstanceID string       `json:"instance_id"`
	Transition string       `json:"transition,omitempty"`
	FromState  string       `json:"from_state,omitempty"`
	ToState    string       `json:"to_state,omitempty"`
	GuardName  string       `json:"guard_name,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Complete   bool         `json:"complete"`
	Event      *event.Event `json:"-"`
}

// Applied reports whether the transition took effect.
func (r *TransitionResult) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Sentinel errors for lookups and registration.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrDefinitionConflict = errors.New("conflicting workflow definition for same id and version")
)
