package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cheneeheng/stategate/pkg/governance"
)

// Mock implementations for testing

type mockRegistry struct {
	actions    map[string]*ActionDeclaration
	handlers   map[string]Handler
	components map[string]*ComponentDeclaration
	inputErrs  map[string]error
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		actions:    make(map[string]*ActionDeclaration),
		handlers:   make(map[string]Handler),
		components: make(map[string]*ComponentDeclaration),
		inputErrs:  make(map[string]error),
	}
}

func (m *mockRegistry) Action(actionID string) (*ActionDeclaration, bool) {
	a, ok := m.actions[actionID]
	return a, ok
}

func (m *mockRegistry) Handler(actionID string) (Handler, bool) {
	h, ok := m.handlers[actionID]
	return h, ok
}

func (m *mockRegistry) Component(componentID string) (*ComponentDeclaration, bool) {
	c, ok := m.components[componentID]
	return c, ok
}

func (m *mockRegistry) Components() []*ComponentDeclaration {
	out := make([]*ComponentDeclaration, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c)
	}
	return out
}

func (m *mockRegistry) ValidateInputs(actionID string, inputs map[string]any) error {
	return m.inputErrs[actionID]
}

type mockRepo struct {
	mu        sync.Mutex
	scopes    map[string]*ScopeInfo
	snapshots map[string][]*Snapshot
	results   map[string][]*ExecutionResult
	limits    map[string]governance.Limits
	usage     map[string]governance.Usage
	facts     map[string]map[string]any

	saveErr   error
	commitErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		scopes:    make(map[string]*ScopeInfo),
		snapshots: make(map[string][]*Snapshot),
		results:   make(map[string][]*ExecutionResult),
		limits:    make(map[string]governance.Limits),
		usage:     make(map[string]governance.Usage),
		facts:     make(map[string]map[string]any),
	}
}

func (m *mockRepo) ScopeInfo(ctx context.Context, scopeID string) (*ScopeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopes[scopeID], nil
}

func (m *mockRepo) CreateScope(ctx context.Context, scopeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[scopeID] = &ScopeInfo{ID: scopeID, Name: name, CreatedAt: time.Now()}
	return nil
}

func (m *mockRepo) ArchiveScope(ctx context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scopes[scopeID]; ok {
		s.Archived = true
	}
	return nil
}

func (m *mockRepo) PurgeScope(ctx context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scopeID)
	delete(m.snapshots, scopeID)
	delete(m.results, scopeID)
	return nil
}

func (m *mockRepo) LoadLatestSnapshot(ctx context.Context, scopeID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[scopeID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

func (m *mockRepo) LoadSnapshot(ctx context.Context, scopeID, snapshotID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots[scopeID] {
		if s.ID == snapshotID {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) SaveSnapshotAndResult(ctx context.Context, scopeID string, snapshot *Snapshot, result *ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.snapshots[scopeID] = append(m.snapshots[scopeID], snapshot)
	m.results[scopeID] = append(m.results[scopeID], result)
	u := m.usage[scopeID]
	u.MinuteCount++
	u.HourCount++
	u.DailySpent += result.Cost
	m.usage[scopeID] = u
	return nil
}

func (m *mockRepo) SaveResult(ctx context.Context, scopeID string, result *ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.results[scopeID] = append(m.results[scopeID], result)
	return nil
}

func (m *mockRepo) ListResults(ctx context.Context, scopeID string, since time.Time) ([]*ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionResult
	for _, r := range m.results[scopeID] {
		if r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRepo) LoadGovernance(ctx context.Context, scopeID string) (governance.Limits, governance.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits[scopeID], m.usage[scopeID], nil
}

func (m *mockRepo) SetLimits(ctx context.Context, scopeID string, limits governance.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[scopeID] = limits
	return nil
}

func (m *mockRepo) SessionFacts(ctx context.Context, scopeID, principalID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facts[scopeID+"/"+principalID], nil
}

func (m *mockRepo) SaveSessionFact(ctx context.Context, scopeID, principalID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scopeID + "/" + principalID
	if m.facts[k] == nil {
		m.facts[k] = make(map[string]any)
	}
	m.facts[k][key] = value
	return nil
}

func (m *mockRepo) DeleteSessionFact(ctx context.Context, scopeID, principalID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts[scopeID+"/"+principalID], key)
	return nil
}

// snapshotCount reports how many snapshots a scope holds.
func (m *mockRepo) snapshotCount(scopeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots[scopeID])
}

func (m *mockRepo) resultCount(scopeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results[scopeID])
}

// mockLocker honors the ScopeLocker contract: a contended Acquire blocks
// until the holder releases or ctx is done.
type mockLocker struct {
	mu       sync.Mutex
	held     map[string]chan struct{}
	acquires int
	releases int
	fail     error
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]chan struct{})}
}

func (m *mockLocker) Acquire(ctx context.Context, scopeID string, ttl time.Duration) (ReleaseFunc, error) {
	for {
		m.mu.Lock()
		if m.fail != nil {
			m.mu.Unlock()
			return nil, m.fail
		}
		holder, locked := m.held[scopeID]
		if !locked {
			done := make(chan struct{})
			m.held[scopeID] = done
			m.acquires++
			m.mu.Unlock()
			return func(ctx context.Context) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				delete(m.held, scopeID)
				m.releases++
				close(done)
				return nil
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-holder:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquiring lock for %s: %w", scopeID, ctx.Err())
		}
	}
}

// mockEvaluator resolves expressions through a fixed table. Unknown
// expressions evaluate to true so tests only wire what they exercise.
type mockEvaluator struct {
	exprs map[string]func(state map[string]map[string]any) bool
	errs  map[string]error
}

func newMockEvaluator() *mockEvaluator {
	return &mockEvaluator{
		exprs: make(map[string]func(map[string]map[string]any) bool),
		errs:  make(map[string]error),
	}
}

func (m *mockEvaluator) EvalBool(ctx context.Context, expr string, components map[string]map[string]any) (bool, error) {
	if err, ok := m.errs[expr]; ok {
		return false, err
	}
	if fn, ok := m.exprs[expr]; ok {
		return fn(components), nil
	}
	return true, nil
}
