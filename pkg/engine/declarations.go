package engine

import (
	"encoding/json"
)

// Permission defines the security and governance rules for an action.
type Permission struct {
	// Risk is the risk tier impacting authorization and approval flows.
	Risk Risk `json:"risk"`

	// ConfirmationRequired forces an explicit caller confirmation even in
	// the most permissive automation mode.
	ConfirmationRequired bool `json:"confirmation_required"`

	// Visibility controls who can see and invoke the action.
	Visibility Visibility `json:"visibility"`
}

// Precondition is a boolean expression over the current snapshot that must
// hold before an action executes.
type Precondition struct {
	// ID is a stable identifier for the clause, surfaced on rejection.
	ID string `json:"id"`

	// Description is a human-readable explanation of the requirement.
	Description string `json:"description"`

	// Expr is the expression evaluated against the snapshot, e.g.
	// `state["demo.counter"]["loaded"] == true`.
	Expr string `json:"expr"`
}

// Invariant is a boolean expression that must hold after any mutation
// touching the component that declares it.
type Invariant struct {
	// ID is a stable identifier for the clause.
	ID string `json:"id"`

	// Description is a human-readable explanation.
	Description string `json:"description"`

	// Expr is the expression evaluated against the post-mutation state.
	Expr string `json:"expr"`
}

// Effects declares the state paths an action may change.
type Effects struct {
	// MayChange lists dotted component paths the action might modify.
	MayChange []string `json:"may_change"`
}

// ActionDeclaration is the immutable (per version) description of a
// mutation the engine can execute.
type ActionDeclaration struct {
	// ActionID is the unique dot-notation identifier, e.g. "demo.counter.set".
	ActionID string `json:"action_id"`

	// Title is a short human-readable name.
	Title string `json:"title"`

	// Description explains the action's behavior.
	Description string `json:"description,omitempty"`

	// Targets lists component identifiers this action affects.
	Targets []string `json:"targets"`

	// InputSchema is the JSON Schema the inputs are validated against.
	InputSchema json.RawMessage `json:"input_schema"`

	// Preconditions are checked against the snapshot before execution.
	Preconditions []Precondition `json:"preconditions,omitempty"`

	// Effects declares the expected state changes.
	Effects Effects `json:"effects"`

	// Permission holds the risk tier and confirmation rules.
	Permission Permission `json:"permission"`

	// BaseCost is the abstract cost unit of one execution. The charged cost
	// is BaseCost scaled by the risk multiplier and, when CostInput is set,
	// by that input's numeric value.
	BaseCost float64 `json:"base_cost"`

	// CostInput optionally names a numeric input whose value scales the
	// cost (e.g. a batch size).
	CostInput string `json:"cost_input,omitempty"`
}

// ComponentDeclaration describes a piece of scope state the engine manages.
type ComponentDeclaration struct {
	// ComponentID is the unique dot-notation identifier, e.g. "demo.counter".
	ComponentID string `json:"component_id"`

	// Title is a short human-readable name.
	Title string `json:"title"`

	// Description explains the component's purpose.
	Description string `json:"description,omitempty"`

	// StateSchema is the JSON Schema describing the state shape.
	StateSchema json.RawMessage `json:"state_schema"`

	// Invariants must hold after any mutation touching this component.
	Invariants []Invariant `json:"invariants,omitempty"`

	// Readable reports whether callers may read the component's state.
	// Writes always go through actions.
	Readable bool `json:"readable"`
}

// HandlerResult is what a pure action handler returns: the complete new
// component-state view, an explicit diff, and a display message.
type HandlerResult struct {
	// Components is the full post-mutation component state.
	Components map[string]map[string]any

	// Diff is the handler's explicit account of its changes. The engine
	// recomputes the authoritative diff from the before/after states, so
	// this is advisory.
	Diff []StateDiffEntry

	// Message is a summary suitable for display to the caller.
	Message string
}

// Handler is a pure transformation from (inputs, snapshot) to a new state
// view. Handlers must not perform I/O or read ambient state; replay
// correctness depends on it.
type Handler func(inputs map[string]any, snapshot *Snapshot) (*HandlerResult, error)
