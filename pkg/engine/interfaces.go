package engine

import (
	"context"
	"time"

	"github.com/cheneeheng/stategate/pkg/governance"
)

// Registry is the read-only catalog of action and component declarations
// the engine dispatches against. Implementations resolve handlers once at
// startup; the engine never mutates the catalog.
type Registry interface {
	// Action returns the declaration for the given action id.
	Action(actionID string) (*ActionDeclaration, bool)

	// Handler returns the pure handler registered for the given action id.
	Handler(actionID string) (Handler, bool)

	// Component returns the declaration for the given component id.
	Component(componentID string) (*ComponentDeclaration, bool)

	// Components lists all registered component declarations.
	Components() []*ComponentDeclaration

	// ValidateInputs validates inputs against the action's input schema.
	// Validation fails closed: any structural mismatch is an error.
	ValidateInputs(actionID string, inputs map[string]any) error
}

// ConditionEvaluator evaluates a restricted boolean expression against a
// component-state view. Implementations must reject anything resembling
// arbitrary code execution at parse time and return typed errors rather
// than silently passing.
type ConditionEvaluator interface {
	// EvalBool evaluates expr with the component states bound to `state`.
	EvalBool(ctx context.Context, expr string, components map[string]map[string]any) (bool, error)
}

// ReleaseFunc releases a held scope lock.
type ReleaseFunc func(ctx context.Context) error

// ScopeLocker serializes mutations per scope. At most one holder per scope
// system-wide; the lease expires after ttl so a crashed holder cannot wedge
// the scope forever. For multi-instance deployments the lock must be backed
// by shared durable storage; a process-local implementation is only correct
// for a single instance.
type ScopeLocker interface {
	// Acquire blocks until the scope lock is held or ctx is done.
	Acquire(ctx context.Context, scopeID string, ttl time.Duration) (ReleaseFunc, error)
}

// Repository is the persistence contract the engine depends on. The
// implementation chooses the storage technology; the engine only requires
// the atomicity of SaveSnapshotAndResult.
type Repository interface {
	// ScopeInfo returns the lifecycle state of a scope, or nil when the
	// scope does not exist.
	ScopeInfo(ctx context.Context, scopeID string) (*ScopeInfo, error)

	// CreateScope creates a new scope.
	CreateScope(ctx context.Context, scopeID, name string) error

	// ArchiveScope blocks new mutations while preserving history.
	ArchiveScope(ctx context.Context, scopeID string) error

	// PurgeScope destroys the scope and its entire history.
	PurgeScope(ctx context.Context, scopeID string) error

	// LoadLatestSnapshot returns the newest snapshot for a scope, or nil
	// when the scope has no history yet.
	LoadLatestSnapshot(ctx context.Context, scopeID string) (*Snapshot, error)

	// LoadSnapshot returns a snapshot by id, or nil when the id does not
	// exist or belongs to a different scope.
	LoadSnapshot(ctx context.Context, scopeID, snapshotID string) (*Snapshot, error)

	// SaveSnapshotAndResult writes the snapshot, its execution result, and
	// the governance spend delta (result.Cost) as one atomic unit. Partial
	// visibility of the triple must never be observable.
	SaveSnapshotAndResult(ctx context.Context, scopeID string, snapshot *Snapshot, result *ExecutionResult) error

	// SaveResult records an audit-only result (rejections, failures,
	// pending approvals). It advances no governance counters.
	SaveResult(ctx context.Context, scopeID string, result *ExecutionResult) error

	// ListResults returns the results for a scope recorded at or after
	// since, in commit order.
	ListResults(ctx context.Context, scopeID string, since time.Time) ([]*ExecutionResult, error)

	// LoadGovernance returns the declared limits and current rolling usage
	// counters for a scope.
	LoadGovernance(ctx context.Context, scopeID string) (governance.Limits, governance.Usage, error)

	// SetLimits replaces the declared limits for a scope.
	SetLimits(ctx context.Context, scopeID string, limits governance.Limits) error

	// SessionFacts returns the per-principal fact store for a scope.
	SessionFacts(ctx context.Context, scopeID, principalID string) (map[string]any, error)

	// SaveSessionFact stores one per-principal fact.
	SaveSessionFact(ctx context.Context, scopeID, principalID, key string, value any) error

	// DeleteSessionFact removes one per-principal fact.
	DeleteSessionFact(ctx context.Context, scopeID, principalID, key string) error
}

// PostCommitHook is invoked exactly once after a real commit, with the
// result and the snapshot it produced. It is never invoked for simulated
// results or during replay, and must not mutate either argument.
type PostCommitHook func(ctx context.Context, result *ExecutionResult, snapshot *Snapshot)

// Config tunes the engine. The zero value is usable.
type Config struct {
	// LockTTL is the scope-lock lease duration. The expiry is a recovery
	// parameter, not a correctness-critical value: the atomic commit
	// prevents partial writes even if the lease is force-broken.
	LockTTL time.Duration

	// HandlerTimeout bounds a single handler invocation. A timeout is
	// recorded as a failed result, not a rejected one.
	HandlerTimeout time.Duration

	// EvalTimeout bounds a single precondition or invariant evaluation.
	EvalTimeout time.Duration

	// Hook, when set, is called after every real commit.
	Hook PostCommitHook
}

const (
	defaultLockTTL        = 30 * time.Second
	defaultHandlerTimeout = 5 * time.Second
	defaultEvalTimeout    = time.Second
)

func (c Config) withDefaults() Config {
	if c.LockTTL == 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.EvalTimeout == 0 {
		c.EvalTimeout = defaultEvalTimeout
	}
	return c
}
