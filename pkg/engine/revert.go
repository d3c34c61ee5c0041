package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Revert restores the state captured by an earlier snapshot. History is
// never rewritten: the restored state is committed as a brand-new snapshot
// whose parent is the current latest, so a revert can itself be reverted.
func (e *Engine) Revert(ctx context.Context, scopeID string, principal Principal, targetSnapshotID string) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.revert",
		trace.WithAttributes(
			attribute.String("scope_id", scopeID),
			attribute.String("target_snapshot_id", targetSnapshotID),
		))
	defer span.End()

	intent := Intent{
		Type:             IntentRevert,
		ActionID:         ActionRevert,
		TargetSnapshotID: targetSnapshotID,
	}

	info, err := e.repo.ScopeInfo(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading scope", err)
	}
	if info == nil {
		return e.reject(ctx, scopeID, principal, intent, false, CodeScopeUnavailable,
			fmt.Sprintf("scope %s does not exist", scopeID)), nil
	}
	if info.Archived {
		return e.reject(ctx, scopeID, principal, intent, false, CodeScopeUnavailable,
			fmt.Sprintf("scope %s is archived and does not allow executions", scopeID)), nil
	}
	if targetSnapshotID == "" {
		return e.reject(ctx, scopeID, principal, intent, false, CodeInvalidInput,
			"revert requires a target snapshot id"), nil
	}

	// Reverting rewrites the scope's effective state, so viewers are out.
	if !principal.Role.AtLeast(RoleOperator) {
		return e.reject(ctx, scopeID, principal, intent, false, CodePermissionDenied,
			fmt.Sprintf("role %s may not revert state", principal.Role)), nil
	}

	release, err := e.locker.Acquire(ctx, scopeID, e.cfg.LockTTL)
	if err != nil {
		return nil, NewInternal(CodeLock, "acquiring scope lock", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			e.log.Warn().Err(rerr).Str("scope_id", scopeID).Msg("failed to release scope lock")
		}
	}()

	target, err := e.repo.LoadSnapshot(ctx, scopeID, targetSnapshotID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading target snapshot", err)
	}
	if target == nil {
		return e.fail(ctx, scopeID, principal, intent, false, CodeSnapshotNotFound,
			fmt.Sprintf("snapshot %s not found in scope %s", targetSnapshotID, scopeID)), nil
	}

	current, err := e.repo.LoadLatestSnapshot(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading latest snapshot", err)
	}
	if current == nil {
		current = &Snapshot{Components: map[string]map[string]any{}}
	}

	now := time.Now()
	snapshot := &Snapshot{
		ID:         uuid.NewString(),
		ParentID:   current.ID,
		Timestamp:  now,
		Components: target.Clone(),
	}

	result := &ExecutionResult{
		ResultID:   uuid.NewString(),
		ActionID:   ActionRevert,
		Status:     StatusSuccess,
		Message:    fmt.Sprintf("state restored from snapshot %s", targetSnapshotID),
		SnapshotID: snapshot.ID,
		Diff:       ComputeDiff(current.Components, snapshot.Components),
		Timestamp:  now,
	}
	result.PrincipalID = principal.ID

	if err := e.repo.SaveSnapshotAndResult(ctx, scopeID, snapshot, result); err != nil {
		return nil, NewInternal(CodeStorage, "committing revert snapshot", err)
	}

	e.observe(scopeID, ActionRevert, result)
	e.log.Info().
		Str("scope_id", scopeID).
		Str("target_snapshot_id", targetSnapshotID).
		Str("snapshot_id", snapshot.ID).
		Msg("state reverted")

	if e.cfg.Hook != nil {
		e.cfg.Hook(ctx, result, snapshot)
	}
	return result, nil
}
