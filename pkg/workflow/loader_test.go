package workflow

import (
	"strings"
	"testing"
)

const lifecycleDoc = `
id: agreement-lifecycle
version: 1.2.0
initial_state: Draft
states: [Draft, Proposed, Active, Terminated]
terminal_states: [Terminated]
transitions:
  - name: propose
    from: Draft
    to: Proposed
    required_capability: agreement.propose
  - name: accept
    from: Proposed
    to: Active
    guards:
      - name: all-parties-consented
        expr: "state.parties.all(p, p in state.consented)"
  - name: terminate
    from: Active
    to: Terminated
    actions: [archive-agreement]
`

func TestLoadDefinition(t *testing.T) {
	def, err := LoadDefinition([]byte(lifecycleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "agreement-lifecycle" || def.Version != "1.2.0" {
		t.Fatalf("unexpected identity: %s@%s", def.ID, def.Version)
	}
	if def.InitialState != "Draft" || len(def.States) != 4 {
		t.Fatalf("unexpected states: %+v", def)
	}
	if len(def.Transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(def.Transitions))
	}
	accept := def.Transitions[1]
	if len(accept.Guards) != 1 || accept.Guards[0].Name != "all-parties-consented" {
		t.Fatalf("guard did not survive loading: %+v", accept)
	}
	if def.Transitions[2].Actions[0] != "archive-agreement" {
		t.Fatalf("actions did not survive loading: %+v", def.Transitions[2])
	}
}

func TestLoadDefinitionSchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing version", `
id: x
initial_state: A
states: [A]
transitions: []
`},
		{"unknown field", `
id: x
version: 1.0.0
initial_state: A
states: [A]
transitions: []
flavor: vanilla
`},
		{"guard without a name", `
id: x
version: 1.0.0
initial_state: A
states: [A, B]
transitions:
  - name: go
    from: A
    to: B
    guards:
      - expr: "true"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadDefinition([]byte(tc.doc)); err == nil {
				t.Fatal("invalid document must be rejected")
			}
		})
	}
}

func TestLoadDefinitionSemanticRejections(t *testing.T) {
	// Passes the schema but fails Definition.Validate.
	doc := strings.Replace(lifecycleDoc, "initial_state: Draft", "initial_state: Limbo", 1)
	if _, err := LoadDefinition([]byte(doc)); err == nil {
		t.Fatal("initial state outside the state set must be rejected")
	}

	doc = strings.Replace(lifecycleDoc, "version: 1.2.0", "version: latest", 1)
	if _, err := LoadDefinition([]byte(doc)); err == nil {
		t.Fatal("non-semver version must be rejected")
	}
}

func TestLoadedDefinitionRegisters(t *testing.T) {
	e, _ := newEngine(t)
	def, err := LoadDefinition([]byte(lifecycleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatal(err)
	}
}
