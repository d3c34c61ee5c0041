package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cheneeheng/stategate/pkg/engine"
	"github.com/cheneeheng/stategate/pkg/eval"
	"github.com/cheneeheng/stategate/pkg/governance"
	"github.com/cheneeheng/stategate/pkg/registry"
	"github.com/cheneeheng/stategate/pkg/stores"
)

const concurrencyScope = "concurrency-test"

// newStack wires the engine against the real in-memory store, the local
// locker, the demo catalog, and the CEL evaluator, so contention behaves
// as it does in production.
func newStack(t *testing.T) (*engine.Engine, *stores.MemoryStore) {
	t.Helper()

	repo := stores.NewMemoryStore()
	if err := repo.CreateScope(context.Background(), concurrencyScope, "Concurrency"); err != nil {
		t.Fatalf("CreateScope: %v", err)
	}

	reg := registry.New()
	if err := registry.RegisterDemo(reg); err != nil {
		t.Fatalf("RegisterDemo: %v", err)
	}
	evaluator, err := eval.New()
	if err != nil {
		t.Fatalf("eval.New: %v", err)
	}

	eng := engine.New(reg, repo, stores.NewLocalLocker(), evaluator, engine.Config{
		HandlerTimeout: time.Second,
	})
	return eng, repo
}

func concurrentOperator() engine.Principal {
	return engine.Principal{ID: "op", Role: engine.RoleOperator}
}

func incrementIntent(n int) engine.Intent {
	return engine.Intent{
		Type:      engine.IntentActionCall,
		RequestID: fmt.Sprintf("req-%d", n),
		ActionID:  registry.DemoCounterIncrement,
	}
}

func loadCounter(t *testing.T, eng *engine.Engine) {
	t.Helper()
	res, err := eng.ExecuteIntent(context.Background(), concurrencyScope, concurrentOperator(), engine.Intent{
		Type:      engine.IntentActionCall,
		RequestID: "req-load",
		ActionID:  registry.DemoCounterLoad,
	})
	if err != nil {
		t.Fatalf("ExecuteIntent(load): %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("load status = %s (%s), want success", res.Status, res.Message)
	}
}

func TestSnapshotChainStaysLinearUnderConcurrency(t *testing.T) {
	eng, repo := newStack(t)
	ctx := context.Background()
	loadCounter(t, eng)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := eng.ExecuteIntent(ctx, concurrencyScope, concurrentOperator(), incrementIntent(n))
			if err != nil {
				errs <- fmt.Errorf("worker %d: %v", n, err)
				return
			}
			if res.Status != engine.StatusSuccess {
				errs <- fmt.Errorf("worker %d: status %s (%s)", n, res.Status, res.Message)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Every commit must parent on the previous one: no forks, no orphans.
	results, err := repo.ListResults(ctx, concurrencyScope, time.Time{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != workers+1 {
		t.Fatalf("recorded %d results, want %d", len(results), workers+1)
	}
	parent := ""
	for i, r := range results {
		snap, err := repo.LoadSnapshot(ctx, concurrencyScope, r.SnapshotID)
		if err != nil {
			t.Fatalf("LoadSnapshot(%s): %v", r.SnapshotID, err)
		}
		if snap == nil {
			t.Fatalf("result %d references missing snapshot %s", i, r.SnapshotID)
		}
		if snap.ParentID != parent {
			t.Fatalf("snapshot %d parent = %q, want %q", i, snap.ParentID, parent)
		}
		parent = snap.ID
	}

	latest, err := repo.LoadLatestSnapshot(ctx, concurrencyScope)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if v := latest.Components[registry.DemoCounterComponent]["value"]; v != float64(workers) {
		t.Fatalf("final counter value = %v, want %d", v, workers)
	}
}

func TestBudgetDenialIsMonotonicUnderConcurrency(t *testing.T) {
	eng, repo := newStack(t)
	ctx := context.Background()
	loadCounter(t, eng)

	// Budget leaves room for exactly 10 more cost-1 increments on top of
	// whatever the load already spent.
	const allowed = 10
	_, usage, err := repo.LoadGovernance(ctx, concurrencyScope)
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	budget := usage.DailySpent + allowed
	if err := repo.SetLimits(ctx, concurrencyScope, governance.Limits{DailyBudget: &budget}); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	statuses := make(chan *engine.ExecutionResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := eng.ExecuteIntent(ctx, concurrencyScope, concurrentOperator(), incrementIntent(n))
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
				return
			}
			statuses <- res
		}(i)
	}
	wg.Wait()
	close(statuses)

	successes, denials := 0, 0
	for res := range statuses {
		switch res.Status {
		case engine.StatusSuccess:
			successes++
		case engine.StatusRejected:
			if res.Error == nil || res.Error.Code != engine.CodeBudgetExceeded {
				t.Fatalf("rejection code = %+v, want budget_exceeded", res.Error)
			}
			denials++
		default:
			t.Fatalf("unexpected status %s (%s)", res.Status, res.Message)
		}
	}
	if successes != allowed || denials != workers-allowed {
		t.Fatalf("got %d successes and %d denials, want %d and %d",
			successes, denials, allowed, workers-allowed)
	}

	// Spend never exceeds the declared budget, and denied attempts did not
	// mutate state.
	_, usage, err = repo.LoadGovernance(ctx, concurrencyScope)
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if usage.DailySpent > budget {
		t.Fatalf("daily spend %v exceeds budget %v", usage.DailySpent, budget)
	}
	latest, err := repo.LoadLatestSnapshot(ctx, concurrencyScope)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if v := latest.Components[registry.DemoCounterComponent]["value"]; v != float64(allowed) {
		t.Fatalf("final counter value = %v, want %d", v, allowed)
	}
}

func TestContendedAcquireBlocksUntilReleased(t *testing.T) {
	locker := stores.NewLocalLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, concurrencyScope, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := locker.Acquire(ctx, concurrencyScope, time.Minute)
		if err != nil {
			t.Errorf("contended Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		_ = second(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("contended Acquire returned while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("contended Acquire did not proceed after release")
	}
}
