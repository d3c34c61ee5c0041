package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cheneeheng/stategate/pkg/engine"
	"github.com/cheneeheng/stategate/pkg/governance"
)

// MemoryStore is an in-memory repository for tests and ephemeral scopes.
// It mirrors the SQLite store's semantics, including rate counts derived
// from the recorded results.
type MemoryStore struct {
	mu        sync.Mutex
	scopes    map[string]*engine.ScopeInfo
	snapshots map[string][]*engine.Snapshot
	results   map[string][]*engine.ExecutionResult
	limits    map[string]governance.Limits
	spend     map[string]spendState
	facts     map[string]map[string]any
}

type spendState struct {
	dailySpent float64
	dayStart   time.Time
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes:    make(map[string]*engine.ScopeInfo),
		snapshots: make(map[string][]*engine.Snapshot),
		results:   make(map[string][]*engine.ExecutionResult),
		limits:    make(map[string]governance.Limits),
		spend:     make(map[string]spendState),
		facts:     make(map[string]map[string]any),
	}
}

// ScopeInfo returns the lifecycle state of a scope, or nil when missing.
func (m *MemoryStore) ScopeInfo(_ context.Context, scopeID string) (*engine.ScopeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.scopes[scopeID]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

// CreateScope creates a new scope.
func (m *MemoryStore) CreateScope(_ context.Context, scopeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scopes[scopeID]; exists {
		return fmt.Errorf("scope already exists: %s", scopeID)
	}
	m.scopes[scopeID] = &engine.ScopeInfo{ID: scopeID, Name: name, CreatedAt: time.Now()}
	m.spend[scopeID] = spendState{dayStart: dayStart(time.Now())}
	return nil
}

// ArchiveScope blocks new mutations while preserving history.
func (m *MemoryStore) ArchiveScope(_ context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.scopes[scopeID]
	if !ok {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	info.Archived = true
	return nil
}

// PurgeScope destroys the scope and its entire history.
func (m *MemoryStore) PurgeScope(_ context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeID]; !ok {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	delete(m.scopes, scopeID)
	delete(m.snapshots, scopeID)
	delete(m.results, scopeID)
	delete(m.limits, scopeID)
	delete(m.spend, scopeID)
	for k := range m.facts {
		if len(k) > len(scopeID) && k[:len(scopeID)+1] == scopeID+"\x00" {
			delete(m.facts, k)
		}
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil with no history.
func (m *MemoryStore) LoadLatestSnapshot(_ context.Context, scopeID string) (*engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[scopeID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return copySnapshot(snaps[len(snaps)-1]), nil
}

// LoadSnapshot returns a snapshot by id, or nil when missing.
func (m *MemoryStore) LoadSnapshot(_ context.Context, scopeID, snapshotID string) (*engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots[scopeID] {
		if s.ID == snapshotID {
			return copySnapshot(s), nil
		}
	}
	return nil, nil
}

// SaveSnapshotAndResult commits the snapshot, result, and spend delta
// atomically under the store mutex.
func (m *MemoryStore) SaveSnapshotAndResult(_ context.Context, scopeID string, snapshot *engine.Snapshot, result *engine.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeID]; !ok {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	m.snapshots[scopeID] = append(m.snapshots[scopeID], copySnapshot(snapshot))
	copied := *result
	m.results[scopeID] = append(m.results[scopeID], &copied)

	sp := m.spend[scopeID]
	today := dayStart(result.Timestamp)
	if !sp.dayStart.Equal(today) {
		sp.dailySpent = 0
		sp.dayStart = today
	}
	sp.dailySpent += result.Cost
	m.spend[scopeID] = sp
	return nil
}

// SaveResult records an audit-only result.
func (m *MemoryStore) SaveResult(_ context.Context, scopeID string, result *engine.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeID]; !ok {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	copied := *result
	m.results[scopeID] = append(m.results[scopeID], &copied)
	return nil
}

// ListResults returns the results recorded at or after since, in commit order.
func (m *MemoryStore) ListResults(_ context.Context, scopeID string, since time.Time) ([]*engine.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.ExecutionResult
	for _, r := range m.results[scopeID] {
		if r.Timestamp.Before(since) {
			continue
		}
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

// LoadGovernance returns the declared limits and derived usage counters.
func (m *MemoryStore) LoadGovernance(_ context.Context, scopeID string) (governance.Limits, governance.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp := m.spend[scopeID]
	usage := governance.Usage{DailySpent: sp.dailySpent, DayStart: sp.dayStart}

	now := time.Now()
	for _, r := range m.results[scopeID] {
		if r.Status != engine.StatusSuccess {
			continue
		}
		if r.Timestamp.After(now.Add(-time.Minute)) {
			usage.MinuteCount++
		}
		if r.Timestamp.After(now.Add(-time.Hour)) {
			usage.HourCount++
		}
	}
	return m.limits[scopeID], usage, nil
}

// SetLimits replaces the declared limits for a scope.
func (m *MemoryStore) SetLimits(_ context.Context, scopeID string, limits governance.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeID]; !ok {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	m.limits[scopeID] = limits
	return nil
}

func (m *MemoryStore) factKey(scopeID, principalID string) string {
	return scopeID + "\x00" + principalID
}

// SessionFacts returns the per-principal fact store for a scope.
func (m *MemoryStore) SessionFacts(_ context.Context, scopeID, principalID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	facts := make(map[string]any)
	for k, v := range m.facts[m.factKey(scopeID, principalID)] {
		facts[k] = v
	}
	return facts, nil
}

// SaveSessionFact stores one per-principal fact.
func (m *MemoryStore) SaveSessionFact(_ context.Context, scopeID, principalID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fk := m.factKey(scopeID, principalID)
	if m.facts[fk] == nil {
		m.facts[fk] = make(map[string]any)
	}
	m.facts[fk][key] = value
	return nil
}

// DeleteSessionFact removes one per-principal fact.
func (m *MemoryStore) DeleteSessionFact(_ context.Context, scopeID, principalID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts[m.factKey(scopeID, principalID)], key)
	return nil
}

func copySnapshot(s *engine.Snapshot) *engine.Snapshot {
	return &engine.Snapshot{
		ID:         s.ID,
		ParentID:   s.ParentID,
		Timestamp:  s.Timestamp,
		Components: s.Clone(),
	}
}

// LocalLocker is a process-local scope locker. Correct only for a single
// instance; multi-instance deployments need the SQLite or Redis locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates an empty process-local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

// Acquire blocks until the scope lock is held or ctx is done. The ttl is
// ignored: a process-local lock dies with its process anyway.
func (l *LocalLocker) Acquire(ctx context.Context, scopeID string, _ time.Duration) (engine.ReleaseFunc, error) {
	for {
		l.mu.Lock()
		ch, held := l.locks[scopeID]
		if !held {
			done := make(chan struct{})
			l.locks[scopeID] = done
			l.mu.Unlock()
			return func(context.Context) error {
				l.mu.Lock()
				delete(l.locks, scopeID)
				l.mu.Unlock()
				close(done)
				return nil
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for scope lock: %w", ctx.Err())
		case <-ch:
		}
	}
}
