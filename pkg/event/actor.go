package event

import (
	"errors"
	"fmt"
)

// ActorKind discriminates the closed set of actor variants. Every consumption
// site must match exhaustively so adding a kind is a compile-visible change.
type ActorKind string

const (
	ActorParty     ActorKind = "party"
	ActorSystem    ActorKind = "system"
	ActorWorkflow  ActorKind = "workflow"
	ActorAnonymous ActorKind = "anonymous"
)

// Actor identifies who or what produced an event. It is a tagged variant:
// exactly the fields for its Kind are set, enforced by Validate.
type Actor struct {
	Kind ActorKind `json:"kind"`
	// PartyID is set when Kind is ActorParty.
	PartyID string `json:"party_id,omitempty"`
	// WorkflowInstanceID is set when Kind is ActorWorkflow.
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	// Reason is set when Kind is ActorAnonymous: the recorded justification
	// for an unattributed append.
	Reason string `json:"reason,omitempty"`
}

// PartyActor returns an actor attributing the event to a party.
func PartyActor(partyID string) Actor {
	return Actor{Kind: ActorParty, PartyID: partyID}
}

// SystemActor returns the system actor.
func SystemActor() Actor {
	return Actor{Kind: ActorSystem}
}

// WorkflowActor returns an actor attributing the event to a workflow instance.
func WorkflowActor(instanceID string) Actor {
	return Actor{Kind: ActorWorkflow, WorkflowInstanceID: instanceID}
}

// AnonymousActor returns an unattributed actor with an explicit reason.
func AnonymousActor(reason string) Actor {
	return Actor{Kind: ActorAnonymous, Reason: reason}
}

var errUnknownActorKind = errors.New("unknown actor kind")

// Validate checks the variant invariant for the actor's kind.
func (a Actor) Validate() error {
	switch a.Kind {
	case ActorParty:
		if a.PartyID == "" {
			return errors.New("party actor requires party_id")
		}
		return nil
	case ActorSystem:
		return nil
	case ActorWorkflow:
		if a.WorkflowInstanceID == "" {
			return errors.New("workflow actor requires workflow_instance_id")
		}
		return nil
	case ActorAnonymous:
		if a.Reason == "" {
			return errors.New("anonymous actor requires an explicit reason")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownActorKind, a.Kind)
	}
}

// EntityID returns the identity an authorization check should resolve for
// this actor: the party id, the workflow instance id, or empty for system
// and anonymous actors.
func (a Actor) EntityID() string {
	switch a.Kind {
	case ActorParty:
		return a.PartyID
	case ActorWorkflow:
		return a.WorkflowInstanceID
	case ActorSystem, ActorAnonymous:
		return ""
	default:
		return ""
	}
}
