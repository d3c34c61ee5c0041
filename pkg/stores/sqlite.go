package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/cheneeheng/stategate/pkg/engine"
	"github.com/cheneeheng/stategate/pkg/governance"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockPollInterval is how often Acquire retries a contended scope lock.
const lockPollInterval = 25 * time.Millisecond

// SQLiteStore implements the engine's Repository and ScopeLocker contracts
// on a single SQLite database. WAL mode keeps readers unblocked during the
// atomic commit transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// ScopeInfo returns the lifecycle state of a scope, or nil when missing.
func (s *SQLiteStore) ScopeInfo(ctx context.Context, scopeID string) (*engine.ScopeInfo, error) {
	query := `SELECT id, name, archived, created_at FROM scopes WHERE id = ?`

	info := &engine.ScopeInfo{}
	var archived int
	err := s.db.QueryRowContext(ctx, query, scopeID).Scan(&info.ID, &info.Name, &archived, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	info.Archived = archived != 0
	return info, nil
}

// CreateScope creates a new scope with default governance.
func (s *SQLiteStore) CreateScope(ctx context.Context, scopeID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scopes (id, name, archived, created_at) VALUES (?, ?, 0, ?)`,
		scopeID, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to create scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO governance (scope_id, limits, daily_spent, day_start) VALUES (?, '{}', 0, ?)`,
		scopeID, dayStart(time.Now())); err != nil {
		return fmt.Errorf("failed to create governance row: %w", err)
	}
	return tx.Commit()
}

// ArchiveScope blocks new mutations while preserving history.
func (s *SQLiteStore) ArchiveScope(ctx context.Context, scopeID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scopes SET archived = 1 WHERE id = ?`, scopeID)
	if err != nil {
		return fmt.Errorf("failed to archive scope: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	return nil
}

// PurgeScope destroys the scope and its entire history.
func (s *SQLiteStore) PurgeScope(ctx context.Context, scopeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scopes WHERE id = ?`, scopeID)
	if err != nil {
		return fmt.Errorf("failed to purge scope: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM scope_locks WHERE scope_id = ?`, scopeID)
	return nil
}

// LoadLatestSnapshot returns the newest snapshot for a scope, or nil when
// the scope has no history yet.
func (s *SQLiteStore) LoadLatestSnapshot(ctx context.Context, scopeID string) (*engine.Snapshot, error) {
	query := `
		SELECT id, parent_id, components, created_at
		FROM snapshots
		WHERE scope_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`
	return s.scanSnapshot(s.db.QueryRowContext(ctx, query, scopeID))
}

// LoadSnapshot returns a snapshot by id, or nil when the id does not exist
// within the scope.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, scopeID, snapshotID string) (*engine.Snapshot, error) {
	query := `
		SELECT id, parent_id, components, created_at
		FROM snapshots
		WHERE scope_id = ? AND id = ?
	`
	return s.scanSnapshot(s.db.QueryRowContext(ctx, query, scopeID, snapshotID))
}

func (s *SQLiteStore) scanSnapshot(row *sql.Row) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}
	var components string
	err := row.Scan(&snap.ID, &snap.ParentID, &components, &snap.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &snap.Components); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot components: %w", err)
	}
	return snap, nil
}

// SaveSnapshotAndResult writes the snapshot, its result, and the governance
// spend delta as one transaction. Either all three land or none do.
func (s *SQLiteStore) SaveSnapshotAndResult(ctx context.Context, scopeID string, snapshot *engine.Snapshot, result *engine.ExecutionResult) error {
	components, err := json.Marshal(snapshot.Components)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot components: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, scope_id, parent_id, components, created_at) VALUES (?, ?, ?, ?, ?)`,
		snapshot.ID, scopeID, snapshot.ParentID, string(components), snapshot.Timestamp); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if err := insertResult(ctx, tx, scopeID, result); err != nil {
		return err
	}

	// Charge the daily budget, resetting it first if the UTC day has rolled.
	today := dayStart(result.Timestamp)
	if _, err := tx.ExecContext(ctx, `
		UPDATE governance
		SET daily_spent = CASE WHEN day_start IS ? THEN daily_spent + ? ELSE ? END,
		    day_start = ?
		WHERE scope_id = ?`,
		today, result.Cost, result.Cost, today, scopeID); err != nil {
		return fmt.Errorf("failed to update governance spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// SaveResult records an audit-only result outside any commit.
func (s *SQLiteStore) SaveResult(ctx context.Context, scopeID string, result *engine.ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertResult(ctx, tx, scopeID, result); err != nil {
		return err
	}
	return tx.Commit()
}

func insertResult(ctx context.Context, tx *sql.Tx, scopeID string, result *engine.ExecutionResult) error {
	diff, err := json.Marshal(result.Diff)
	if err != nil {
		return fmt.Errorf("failed to encode result diff: %w", err)
	}
	errJSON := ""
	if result.Error != nil {
		b, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode result error: %w", err)
		}
		errJSON = string(b)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO results (id, scope_id, request_id, principal_id, action_id, status, message,
		                     snapshot_id, diff, error, cost, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ResultID, scopeID, result.RequestID, result.PrincipalID, result.ActionID,
		string(result.Status), result.Message, result.SnapshotID, string(diff), errJSON,
		result.Cost, result.Duration.Nanoseconds(), result.Timestamp); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// ListResults returns the results for a scope recorded at or after since, in
// commit order.
func (s *SQLiteStore) ListResults(ctx context.Context, scopeID string, since time.Time) ([]*engine.ExecutionResult, error) {
	query := `
		SELECT id, request_id, principal_id, action_id, status, message,
		       snapshot_id, diff, error, cost, duration_ns, created_at
		FROM results
		WHERE scope_id = ? AND created_at >= ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, scopeID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*engine.ExecutionResult
	for rows.Next() {
		r := &engine.ExecutionResult{}
		var status, diff, errJSON string
		var durationNs int64
		if err := rows.Scan(&r.ResultID, &r.RequestID, &r.PrincipalID, &r.ActionID, &status,
			&r.Message, &r.SnapshotID, &diff, &errJSON, &r.Cost, &durationNs, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Status = engine.Status(status)
		r.Duration = time.Duration(durationNs)
		if diff != "" {
			if err := json.Unmarshal([]byte(diff), &r.Diff); err != nil {
				return nil, fmt.Errorf("failed to decode result diff: %w", err)
			}
		}
		if errJSON != "" {
			r.Error = &engine.ResultError{}
			if err := json.Unmarshal([]byte(errJSON), r.Error); err != nil {
				return nil, fmt.Errorf("failed to decode result error: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadGovernance returns the declared limits and current usage. Rolling rate
// counts are derived from the results table so they can never drift from the
// audit log.
func (s *SQLiteStore) LoadGovernance(ctx context.Context, scopeID string) (governance.Limits, governance.Usage, error) {
	var limits governance.Limits
	var usage governance.Usage

	var limitsJSON string
	var daySt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT limits, daily_spent, day_start FROM governance WHERE scope_id = ?`, scopeID).
		Scan(&limitsJSON, &usage.DailySpent, &daySt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return limits, usage, fmt.Errorf("failed to load governance: %w", err)
	}
	if err == nil {
		if uerr := json.Unmarshal([]byte(limitsJSON), &limits); uerr != nil {
			return limits, usage, fmt.Errorf("failed to decode limits: %w", uerr)
		}
		if daySt.Valid {
			usage.DayStart = daySt.Time.UTC()
		}
	}

	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT
		    COUNT(CASE WHEN created_at >= ? THEN 1 END),
		    COUNT(*)
		FROM results
		WHERE scope_id = ? AND status = 'success' AND created_at >= ?`,
		now.Add(-time.Minute), scopeID, now.Add(-time.Hour))
	if err := row.Scan(&usage.MinuteCount, &usage.HourCount); err != nil {
		return limits, usage, fmt.Errorf("failed to count recent results: %w", err)
	}
	return limits, usage, nil
}

// SetLimits replaces the declared limits for a scope.
func (s *SQLiteStore) SetLimits(ctx context.Context, scopeID string, limits governance.Limits) error {
	b, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("failed to encode limits: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE governance SET limits = ? WHERE scope_id = ?`, string(b), scopeID)
	if err != nil {
		return fmt.Errorf("failed to set limits: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scope not found: %s", scopeID)
	}
	return nil
}

// SessionFacts returns the per-principal fact store for a scope.
func (s *SQLiteStore) SessionFacts(ctx context.Context, scopeID, principalID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM session_facts WHERE scope_id = ? AND principal_id = ?`,
		scopeID, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]any)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan session fact: %w", err)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode session fact %s: %w", key, err)
		}
		facts[key] = decoded
	}
	return facts, rows.Err()
}

// SaveSessionFact stores one per-principal fact.
func (s *SQLiteStore) SaveSessionFact(ctx context.Context, scopeID, principalID, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode session fact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_facts (scope_id, principal_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope_id, principal_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scopeID, principalID, key, string(b), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save session fact: %w", err)
	}
	return nil
}

// DeleteSessionFact removes one per-principal fact.
func (s *SQLiteStore) DeleteSessionFact(ctx context.Context, scopeID, principalID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_facts WHERE scope_id = ? AND principal_id = ? AND key = ?`,
		scopeID, principalID, key); err != nil {
		return fmt.Errorf("failed to delete session fact: %w", err)
	}
	return nil
}

// Acquire implements the scope locker on a lease table. The lease expires
// after ttl so a crashed holder cannot wedge the scope forever.
func (s *SQLiteStore) Acquire(ctx context.Context, scopeID string, ttl time.Duration) (engine.ReleaseFunc, error) {
	holder := uuid.NewString()

	for {
		ok, err := s.tryAcquire(ctx, scopeID, holder, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				_, err := s.db.ExecContext(ctx,
					`DELETE FROM scope_locks WHERE scope_id = ? AND holder = ?`, scopeID, holder)
				if err != nil {
					return fmt.Errorf("failed to release lock: %w", err)
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for scope lock: %w", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *SQLiteStore) tryAcquire(ctx context.Context, scopeID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Expired leases are reaped on the way in.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scope_locks WHERE scope_id = ? AND expires_at <= ?`, scopeID, now); err != nil {
		return false, fmt.Errorf("failed to reap expired lock: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scope_locks (scope_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (scope_id) DO NOTHING`,
		scopeID, holder, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock: %w", err)
	}
	return n == 1, nil
}

func dayStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
