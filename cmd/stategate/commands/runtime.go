package commands

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cheneeheng/stategate/pkg/config"
	"github.com/cheneeheng/stategate/pkg/engine"
	"github.com/cheneeheng/stategate/pkg/eval"
	"github.com/cheneeheng/stategate/pkg/locks"
	"github.com/cheneeheng/stategate/pkg/registry"
	"github.com/cheneeheng/stategate/pkg/stores"
	"github.com/cheneeheng/stategate/pkg/telemetry"
)

// repository is the storage surface the commands need beyond the engine's
// own Repository contract.
type repository interface {
	engine.Repository
	Close() error
}

// memoryRepo adapts the in-memory store, which has nothing to close.
type memoryRepo struct {
	*stores.MemoryStore
}

func (memoryRepo) Close() error { return nil }

// runtime wires configuration, telemetry, storage, locking, the registry,
// and the engine for one command invocation.
type runtime struct {
	cfg    config.Config
	tel    *telemetry.Telemetry
	repo   repository
	reg    *registry.InMemory
	engine *engine.Engine
	log    zerolog.Logger
}

// newRuntime builds the full stack from the --config file (or defaults when
// the flag is unset).
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	repo, locker, err := buildStorage(ctx, cfg, tel.Logger)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	reg := registry.New()
	if err := registry.RegisterDemo(reg); err != nil {
		_ = repo.Close()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("registering action catalog: %w", err)
	}

	evaluator, err := eval.New()
	if err != nil {
		_ = repo.Close()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing condition evaluator: %w", err)
	}

	eng := engine.New(reg, repo, locker, evaluator, engine.Config{
		LockTTL:        cfg.Engine.LockTTL,
		HandlerTimeout: cfg.Engine.HandlerTimeout,
		EvalTimeout:    cfg.Engine.EvalTimeout,
		Hook:           commitEventHook(tel.Events),
	}).WithLogger(tel.Logger).WithMetrics(tel.Metrics)

	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		repo:   repo,
		reg:    reg,
		engine: eng,
		log:    tel.Logger,
	}
	if err := rt.applyLimits(ctx); err != nil {
		rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

func buildStorage(ctx context.Context, cfg config.Config, log zerolog.Logger) (repository, engine.ScopeLocker, error) {
	switch cfg.Storage.Backend {
	case "memory":
		repo := memoryRepo{stores.NewMemoryStore()}
		locker, err := buildLocker(cfg, nil, log)
		if err != nil {
			return nil, nil, err
		}
		return repo, locker, nil

	default:
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("creating store: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("initializing store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrating store: %w", err)
		}
		locker, err := buildLocker(cfg, store, log)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, locker, nil
	}
}

// buildLocker selects the scope locker. The storage backend reuses the
// SQLite lease table; with in-memory storage it degrades to the local
// locker, which is only correct for a single instance.
func buildLocker(cfg config.Config, store *stores.SQLiteStore, log zerolog.Logger) (engine.ScopeLocker, error) {
	switch cfg.Locking.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Locking.RedisAddr})
		return locks.NewRedisLocker(client, cfg.Locking.Prefix), nil
	case "local":
		return stores.NewLocalLocker(), nil
	default:
		if store == nil {
			log.Warn().Msg("in-memory storage has no lease table, using process-local locks")
			return stores.NewLocalLocker(), nil
		}
		return store, nil
	}
}

// commitEventHook publishes an execution event after every real commit.
func commitEventHook(bus *telemetry.EventBus) engine.PostCommitHook {
	return func(ctx context.Context, result *engine.ExecutionResult, snapshot *engine.Snapshot) {
		eventType := telemetry.EventTypeExecutionCommitted
		if result.ActionID == engine.ActionRevert {
			eventType = telemetry.EventTypeStateReverted
		}
		event := telemetry.Event{
			Type:      eventType,
			ActionID:  result.ActionID,
			RequestID: result.RequestID,
			Message:   result.Message,
			Data:      map[string]any{"cost": result.Cost},
		}
		if snapshot != nil {
			event.SnapshotID = snapshot.ID
		}
		bus.Publish(event)
	}
}

// applyLimits pushes the configured governance limits to every scope that
// already exists. Limits for unknown scopes are skipped with a warning so a
// shared config file does not fail on a fresh database.
func (rt *runtime) applyLimits(ctx context.Context) error {
	for _, sl := range rt.cfg.Scopes {
		info, err := rt.repo.ScopeInfo(ctx, sl.ScopeID)
		if err != nil {
			return fmt.Errorf("loading scope %s: %w", sl.ScopeID, err)
		}
		if info == nil {
			rt.log.Warn().Str("scope", sl.ScopeID).Msg("configured limits for unknown scope, skipping")
			continue
		}
		if err := rt.repo.SetLimits(ctx, sl.ScopeID, sl.Limits); err != nil {
			return fmt.Errorf("applying limits to scope %s: %w", sl.ScopeID, err)
		}
	}
	return nil
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.repo.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("closing store")
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.log.Warn().Err(err).Msg("shutting down telemetry")
	}
}
