package stores

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cheneeheng/stategate/pkg/engine"
	"github.com/cheneeheng/stategate/pkg/governance"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSnapshot(parentID string, value float64) *engine.Snapshot {
	return &engine.Snapshot{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Timestamp: time.Now().UTC(),
		Components: map[string]map[string]any{
			"demo.counter": {"loaded": true, "value": value},
		},
	}
}

func testResult(snapshotID string, status engine.Status, cost float64) *engine.ExecutionResult {
	return &engine.ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   "req-1",
		PrincipalID: "alice",
		ActionID:    "demo.counter.set",
		Status:      status,
		SnapshotID:  snapshotID,
		Cost:        cost,
		Timestamp:   time.Now().UTC(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestScopeLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	info, err := store.ScopeInfo(ctx, "missing")
	if err != nil {
		t.Fatalf("ScopeInfo: %v", err)
	}
	if info != nil {
		t.Fatal("missing scope should return nil")
	}

	if err := store.CreateScope(ctx, "s1", "Scope One"); err != nil {
		t.Fatalf("CreateScope: %v", err)
	}
	info, err = store.ScopeInfo(ctx, "s1")
	if err != nil {
		t.Fatalf("ScopeInfo: %v", err)
	}
	if info == nil || info.Name != "Scope One" || info.Archived {
		t.Fatalf("unexpected scope info: %+v", info)
	}

	if err := store.ArchiveScope(ctx, "s1"); err != nil {
		t.Fatalf("ArchiveScope: %v", err)
	}
	info, _ = store.ScopeInfo(ctx, "s1")
	if !info.Archived {
		t.Fatal("scope should be archived")
	}

	if err := store.PurgeScope(ctx, "s1"); err != nil {
		t.Fatalf("PurgeScope: %v", err)
	}
	info, _ = store.ScopeInfo(ctx, "s1")
	if info != nil {
		t.Fatal("purged scope should be gone")
	}

	if err := store.ArchiveScope(ctx, "missing"); err == nil {
		t.Fatal("archiving a missing scope should fail")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.CreateScope(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	latest, err := store.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if latest != nil {
		t.Fatal("fresh scope should have no snapshots")
	}

	first := testSnapshot("", 1)
	if err := store.SaveSnapshotAndResult(ctx, "s1", first, testResult(first.ID, engine.StatusSuccess, 1)); err != nil {
		t.Fatalf("SaveSnapshotAndResult: %v", err)
	}
	second := testSnapshot(first.ID, 2)
	if err := store.SaveSnapshotAndResult(ctx, "s1", second, testResult(second.ID, engine.StatusSuccess, 1)); err != nil {
		t.Fatalf("SaveSnapshotAndResult: %v", err)
	}

	latest, err = store.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if latest.ID != second.ID || latest.ParentID != first.ID {
		t.Fatalf("unexpected latest snapshot: %+v", latest)
	}
	v := latest.Components["demo.counter"]["value"].(float64)
	if v != 2 {
		t.Fatalf("latest value = %v, want 2", v)
	}

	byID, err := store.LoadSnapshot(ctx, "s1", first.ID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if byID == nil || byID.ID != first.ID {
		t.Fatalf("unexpected snapshot by id: %+v", byID)
	}

	// Snapshot ids are scoped; another scope cannot see them.
	if err := store.CreateScope(ctx, "s2", ""); err != nil {
		t.Fatal(err)
	}
	crossScope, err := store.LoadSnapshot(ctx, "s2", first.ID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if crossScope != nil {
		t.Fatal("snapshot leaked across scopes")
	}
}

func TestCommitIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.CreateScope(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	snap := testSnapshot("", 1)
	res := testResult(snap.ID, engine.StatusSuccess, 2)
	if err := store.SaveSnapshotAndResult(ctx, "s1", snap, res); err != nil {
		t.Fatalf("SaveSnapshotAndResult: %v", err)
	}

	// A duplicate snapshot id aborts the transaction; the result and spend
	// delta must not land either.
	dup := testSnapshot("", 3)
	dup.ID = snap.ID
	if err := store.SaveSnapshotAndResult(ctx, "s1", dup, testResult(dup.ID, engine.StatusSuccess, 5)); err == nil {
		t.Fatal("duplicate snapshot id should fail")
	}

	results, err := store.ListResults(ctx, "s1", time.Time{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result after failed commit, got %d", len(results))
	}
	_, usage, err := store.LoadGovernance(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if usage.DailySpent != 2 {
		t.Fatalf("daily spent = %v, want 2 (failed commit must not charge)", usage.DailySpent)
	}
}

func TestListResultsOrderAndFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.CreateScope(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		snap := testSnapshot("", float64(i))
		res := testResult(snap.ID, engine.StatusSuccess, 1)
		ids = append(ids, res.ResultID)
		if err := store.SaveSnapshotAndResult(ctx, "s1", snap, res); err != nil {
			t.Fatal(err)
		}
	}
	rejection := testResult("", engine.StatusRejected, 0)
	rejection.Error = &engine.ResultError{Code: engine.CodePermissionDenied, Detail: "nope"}
	ids = append(ids, rejection.ResultID)
	if err := store.SaveResult(ctx, "s1", rejection); err != nil {
		t.Fatal(err)
	}

	results, err := store.ListResults(ctx, "s1", time.Time{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		if r.ResultID != ids[i] {
			t.Fatalf("result %d out of order: %s", i, r.ResultID)
		}
	}
	last := results[3]
	if last.Error == nil || last.Error.Code != engine.CodePermissionDenied {
		t.Fatalf("rejection error not round-tripped: %+v", last.Error)
	}

	future, err := store.ListResults(ctx, "s1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(future) != 0 {
		t.Fatalf("expected no future results, got %d", len(future))
	}
}

func TestGovernanceRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.CreateScope(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	budget := 50.0
	limits := governance.Limits{
		RatePerMinute: 10,
		RatePerHour:   100,
		DailyBudget:   &budget,
		Approvals:     []governance.ApprovalRule{{MinCost: 25, RequiredRole: "admin"}},
	}
	if err := store.SetLimits(ctx, "s1", limits); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}

	got, usage, err := store.LoadGovernance(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if got.RatePerMinute != 10 || got.RatePerHour != 100 {
		t.Fatalf("limits not round-tripped: %+v", got)
	}
	if got.DailyBudget == nil || *got.DailyBudget != 50 {
		t.Fatalf("budget not round-tripped: %+v", got.DailyBudget)
	}
	if len(got.Approvals) != 1 || got.Approvals[0].RequiredRole != "admin" {
		t.Fatalf("approvals not round-tripped: %+v", got.Approvals)
	}
	if usage.MinuteCount != 0 || usage.DailySpent != 0 {
		t.Fatalf("fresh usage should be zero: %+v", usage)
	}

	// Successful commits advance both the spend and the derived rate counts.
	snap := testSnapshot("", 1)
	if err := store.SaveSnapshotAndResult(ctx, "s1", snap, testResult(snap.ID, engine.StatusSuccess, 3)); err != nil {
		t.Fatal(err)
	}
	_, usage, err = store.LoadGovernance(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if usage.DailySpent != 3 {
		t.Fatalf("daily spent = %v, want 3", usage.DailySpent)
	}
	if usage.MinuteCount != 1 || usage.HourCount != 1 {
		t.Fatalf("rate counts = %d/%d, want 1/1", usage.MinuteCount, usage.HourCount)
	}

	// Audit-only results never advance the counters.
	if err := store.SaveResult(ctx, "s1", testResult("", engine.StatusRejected, 99)); err != nil {
		t.Fatal(err)
	}
	_, usage, _ = store.LoadGovernance(ctx, "s1")
	if usage.DailySpent != 3 || usage.MinuteCount != 1 {
		t.Fatalf("audit result advanced counters: %+v", usage)
	}

	if err := store.SetLimits(ctx, "missing", limits); err == nil {
		t.Fatal("SetLimits on a missing scope should fail")
	}
}

func TestSessionFacts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.CreateScope(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	if err := store.SaveSessionFact(ctx, "s1", "alice", "color", "blue"); err != nil {
		t.Fatalf("SaveSessionFact: %v", err)
	}
	if err := store.SaveSessionFact(ctx, "s1", "alice", "count", 3.0); err != nil {
		t.Fatalf("SaveSessionFact: %v", err)
	}
	// Facts are per principal.
	if err := store.SaveSessionFact(ctx, "s1", "bob", "color", "red"); err != nil {
		t.Fatalf("SaveSessionFact: %v", err)
	}

	facts, err := store.SessionFacts(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("SessionFacts: %v", err)
	}
	if facts["color"] != "blue" || facts["count"] != 3.0 {
		t.Fatalf("unexpected facts: %v", facts)
	}

	// Upsert overwrites.
	if err := store.SaveSessionFact(ctx, "s1", "alice", "color", "green"); err != nil {
		t.Fatal(err)
	}
	facts, _ = store.SessionFacts(ctx, "s1", "alice")
	if facts["color"] != "green" {
		t.Fatalf("fact not overwritten: %v", facts)
	}

	if err := store.DeleteSessionFact(ctx, "s1", "alice", "color"); err != nil {
		t.Fatalf("DeleteSessionFact: %v", err)
	}
	facts, _ = store.SessionFacts(ctx, "s1", "alice")
	if _, ok := facts["color"]; ok {
		t.Fatal("fact not deleted")
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 remaining fact, got %d", len(facts))
	}
}

func TestScopeLockLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	release, err := store.Acquire(ctx, "s1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A second holder cannot acquire while the lease is live.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := store.Acquire(shortCtx, "s1", time.Minute); err == nil {
		t.Fatal("second acquire should block until timeout")
	}

	// Locks are per scope.
	otherRelease, err := store.Acquire(ctx, "s2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire on other scope: %v", err)
	}
	if err := otherRelease(ctx); err != nil {
		t.Fatal(err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	release2, err := store.Acquire(ctx, "s1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = release2(ctx)
}

func TestScopeLockExpiredLeaseIsReaped(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "s1", 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// The expired lease must not block a new holder.
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release, err := store.Acquire(acquireCtx, "s1", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	_ = release(ctx)
}
