package engine

import (
	"time"
)

// Role is the permission level a principal holds within a single scope.
// Roles are never inherited across scopes.
type Role string

const (
	// RoleViewer may read state but authorizes no mutation.
	RoleViewer Role = "viewer"

	// RoleOperator authorizes low- and medium-risk mutations.
	RoleOperator Role = "operator"

	// RoleAdmin authorizes all mutations, including high-risk ones.
	RoleAdmin Role = "admin"
)

// roleRank orders roles from least to most privileged.
var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleAdmin:    2,
}

// AtLeast reports whether the role grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Authorizes reports whether the role may execute an action of the given
// risk tier. Viewers authorize nothing; operators authorize low and medium;
// admins authorize everything.
func (r Role) Authorizes(risk Risk) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOperator:
		return risk == RiskLow || risk == RiskMedium
	default:
		return false
	}
}

// Risk classifies the blast radius of an action.
type Risk string

const (
	// RiskLow marks safe, reversible, or trivial actions.
	RiskLow Risk = "low"

	// RiskMedium marks actions with side effects or moderate cost.
	RiskMedium Risk = "medium"

	// RiskHigh marks destructive or sensitive actions requiring strict
	// confirmation.
	RiskHigh Risk = "high"
)

// Visibility controls who can see and invoke an action.
type Visibility string

const (
	// VisibilityUser actions are shown to end users.
	VisibilityUser Visibility = "user"

	// VisibilityDeveloper actions are hidden from standard callers and used
	// for debugging or system tasks.
	VisibilityDeveloper Visibility = "developer"
)

// Mode is the execution mode a caller operates in. It bounds how many plan
// steps the engine will attempt on the caller's behalf.
type Mode string

const (
	// ModeInteractive maximizes caller control; one step at a time.
	ModeInteractive Mode = "interactive"

	// ModeAssisted balances automation and control.
	ModeAssisted Mode = "assisted"

	// ModeAutonomous optimizes for throughput; larger plans are allowed.
	ModeAutonomous Mode = "autonomous"
)

// StepLimit returns the maximum number of plan steps permitted in this mode.
func (m Mode) StepLimit() int {
	switch m {
	case ModeInteractive:
		return 1
	case ModeAutonomous:
		return 10
	default:
		return 5
	}
}

// IntentType discriminates the variants of an Intent.
type IntentType string

const (
	// IntentActionCall requests execution of a registered action.
	IntentActionCall IntentType = "action_call"

	// IntentClarification asks the user for more information. It never
	// reaches the engine's mutation path.
	IntentClarification IntentType = "clarification_request"

	// IntentRevert requests restoration of an earlier snapshot's state.
	IntentRevert IntentType = "revert"
)

// Status is the outcome of one execution attempt.
type Status string

const (
	// StatusSuccess means the action completed and state was updated.
	StatusSuccess Status = "success"

	// StatusRejected means the action was blocked by policy, validation, or
	// permission before any mutation.
	StatusRejected Status = "rejected"

	// StatusFailed means the mutation attempt errored and was rolled back.
	StatusFailed Status = "failed"

	// StatusPendingApproval means the action crossed an approval threshold
	// and awaits an out-of-band decision. No mutation has occurred.
	StatusPendingApproval Status = "pending_approval"
)

// DiffOp is the kind of change recorded in a state diff entry.
type DiffOp string

const (
	// DiffOpAdd records a newly added field.
	DiffOpAdd DiffOp = "add"

	// DiffOpRemove records a removed field.
	DiffOpRemove DiffOp = "remove"

	// DiffOpReplace records a changed value.
	DiffOpReplace DiffOp = "replace"
)

// Principal identifies a caller and its per-scope role. Automated callers
// (schedulers, webhooks) must use a dedicated system principal with an
// explicit role; the engine applies no implicit trust to them.
type Principal struct {
	// ID is the stable caller identity.
	ID string `json:"id"`

	// Role is the principal's role within the scope being addressed.
	Role Role `json:"role"`

	// System marks automated principals. System principals pass every
	// governance check like any other caller.
	System bool `json:"system,omitempty"`
}

// Intent is a caller's structured request. Exactly one variant applies,
// selected by Type.
type Intent struct {
	// Type selects the intent variant.
	Type IntentType `json:"type"`

	// RequestID is the caller-supplied correlation id.
	RequestID string `json:"request_id"`

	// Timestamp is when the intent was created.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Mode is the execution mode the intent was produced in.
	Mode Mode `json:"execution_mode,omitempty"`

	// ActionID identifies the action to execute (action_call only).
	ActionID string `json:"action_id,omitempty"`

	// Inputs are the action inputs, validated against the declaration's
	// input schema (action_call only).
	Inputs map[string]any `json:"inputs,omitempty"`

	// Confirmed records an explicit caller confirmation. Required for
	// high-risk actions and actions declaring confirmation_required.
	Confirmed bool `json:"confirmed,omitempty"`

	// TargetSnapshotID is the snapshot to restore (revert only).
	TargetSnapshotID string `json:"target_snapshot_id,omitempty"`

	// Question is the clarifying question (clarification_request only).
	Question string `json:"question,omitempty"`
}

// Plan is an ordered sequence of action_call intents executed with
// stop-on-failure semantics. Plans are not transactional: steps committed
// before a halt stay committed.
type Plan struct {
	// Steps are the intents to execute, in order.
	Steps []Intent `json:"steps"`
}

// Snapshot is an immutable, point-in-time view of every component's state
// within one scope. Snapshots form a singly linked history per scope.
type Snapshot struct {
	// ID uniquely identifies this snapshot.
	ID string `json:"snapshot_id"`

	// ParentID is the snapshot this one was derived from. Empty for the
	// root of a scope's history.
	ParentID string `json:"parent_id,omitempty"`

	// Timestamp is when the snapshot was committed.
	Timestamp time.Time `json:"timestamp"`

	// Components maps component identifiers to their state objects.
	Components map[string]map[string]any `json:"components"`
}

// Clone returns a deep copy of the snapshot's component states. Handlers
// receive clones so the committed snapshot can never be mutated in place.
func (s *Snapshot) Clone() map[string]map[string]any {
	return cloneComponents(s.Components)
}

func cloneComponents(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for id, state := range in {
		out[id] = cloneValue(state).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}

// StateDiffEntry records a single field-level change to a component's state.
type StateDiffEntry struct {
	// Component is the identifier of the component that changed.
	Component string `json:"component"`

	// Path is the dot-separated field path inside the component state.
	Path string `json:"path"`

	// Op is the change operation.
	Op DiffOp `json:"op"`

	// Before is the value prior to the change, if any.
	Before any `json:"before,omitempty"`

	// After is the value after the change, if any.
	After any `json:"after,omitempty"`
}

// ResultError carries the structured error attached to a non-success
// result. The engine never formats or localizes; rendering is the caller's
// responsibility.
type ResultError struct {
	// Code is the machine-readable error code.
	Code Code `json:"code"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail"`
}

// ExecutionResult is the recorded outcome of one intent.
type ExecutionResult struct {
	// ResultID uniquely identifies this result in the audit log.
	ResultID string `json:"result_id"`

	// RequestID echoes the correlation id of the triggering intent.
	RequestID string `json:"request_id"`

	// PrincipalID identifies who triggered the execution.
	PrincipalID string `json:"principal_id,omitempty"`

	// ActionID is the action that was attempted.
	ActionID string `json:"action_id"`

	// Status is the outcome.
	Status Status `json:"status"`

	// Message is a summary suitable for display to the caller.
	Message string `json:"message,omitempty"`

	// SnapshotID is the resulting snapshot. Empty for rejected, failed, and
	// pending_approval results, which create no snapshot.
	SnapshotID string `json:"state_snapshot_id,omitempty"`

	// Diff is the ordered list of field-level changes that were applied.
	Diff []StateDiffEntry `json:"state_diff,omitempty"`

	// Cost is the abstract cost charged against the scope's budget.
	Cost float64 `json:"cost,omitempty"`

	// Duration is how long the execution took.
	Duration time.Duration `json:"duration,omitempty"`

	// Timestamp is when the execution completed.
	Timestamp time.Time `json:"timestamp"`

	// Simulated marks dry-run results. Simulated results are never
	// persisted and never trigger post-commit hooks.
	Simulated bool `json:"simulated,omitempty"`

	// Error holds structured details when Status is not success.
	Error *ResultError `json:"error,omitempty"`

	// simulatedState carries the projected component state between chained
	// simulation steps. Never persisted.
	simulatedState map[string]map[string]any
}

// ScopeInfo describes the lifecycle state of a scope.
type ScopeInfo struct {
	// ID is the scope's stable key.
	ID string `json:"id"`

	// Name is the human-readable scope name.
	Name string `json:"name,omitempty"`

	// Archived scopes refuse new mutations but preserve history.
	Archived bool `json:"archived"`

	// CreatedAt is when the scope was created.
	CreatedAt time.Time `json:"created_at"`
}
