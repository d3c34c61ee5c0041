package engine

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cheneeheng/stategate/pkg/governance"
	"github.com/cheneeheng/stategate/pkg/telemetry"
)

// Action ids handled by the engine itself rather than a registered handler.
// Memory actions write to the per-principal fact store, not to scope state.
const (
	ActionMemoryRemember = "memory.remember"
	ActionMemoryForget   = "memory.forget"
	ActionRevert         = "system.revert"
)

// Engine is the authoritative state-transition component. All mutations to
// scope state flow through it; everything else in the system is a caller.
type Engine struct {
	registry Registry
	repo     Repository
	locker   ScopeLocker
	eval     ConditionEvaluator
	cfg      Config
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// New creates an engine wired to its collaborators. The registry, repository,
// locker, and evaluator are required; cfg may be the zero value.
func New(registry Registry, repo Repository, locker ScopeLocker, eval ConditionEvaluator, cfg Config) *Engine {
	return &Engine{
		registry: registry,
		repo:     repo,
		locker:   locker,
		eval:     eval,
		cfg:      cfg.withDefaults(),
		log:      zerolog.Nop(),
		metrics:  nil,
		tracer:   otel.Tracer("stategate/engine"),
	}
}

// WithLogger attaches a structured logger to the engine.
func (e *Engine) WithLogger(log zerolog.Logger) *Engine {
	e.log = log.With().Str("component", "engine").Logger()
	return e
}

// WithMetrics attaches an execution metrics recorder to the engine.
func (e *Engine) WithMetrics(m *telemetry.Metrics) *Engine {
	e.metrics = m
	return e
}

// ExecuteIntent runs the full pipeline for a single intent and commits the
// outcome. Policy rejections, failures, and pending approvals are returned
// as results with a nil error; a non-nil error indicates an infrastructure
// problem (storage, locking) in which case nothing was committed.
func (e *Engine) ExecuteIntent(ctx context.Context, scopeID string, principal Principal, intent Intent) (*ExecutionResult, error) {
	return e.execute(ctx, scopeID, principal, intent, execOptions{})
}

// SimulateIntent runs the identical validation and governance pipeline but
// persists nothing and skips post-commit hooks. The returned result carries
// Simulated=true and the projected diff.
func (e *Engine) SimulateIntent(ctx context.Context, scopeID string, principal Principal, intent Intent) (*ExecutionResult, error) {
	return e.execute(ctx, scopeID, principal, intent, execOptions{simulate: true})
}

// execOptions carries per-invocation execution flags.
type execOptions struct {
	// simulate suppresses persistence and hooks.
	simulate bool

	// overrideState substitutes the loaded snapshot state, used to chain
	// simulated plan steps.
	overrideState map[string]map[string]any
}

func (e *Engine) execute(ctx context.Context, scopeID string, principal Principal, intent Intent, opts execOptions) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("scope_id", scopeID),
			attribute.String("action_id", intent.ActionID),
			attribute.Bool("simulate", opts.simulate),
		))
	defer span.End()

	start := time.Now()

	switch intent.Type {
	case IntentActionCall:
		// fall through to the pipeline below
	case IntentRevert:
		return e.Revert(ctx, scopeID, principal, intent.TargetSnapshotID)
	default:
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeUnsupportedIntent,
			"engine only executes action_call intents"), nil
	}
	if intent.ActionID == "" {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeInvalidInput, "missing action_id"), nil
	}

	// Context resolution: the scope must exist and accept mutations before
	// any governance budget is consumed.
	info, err := e.repo.ScopeInfo(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading scope", err)
	}
	if info == nil {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeScopeUnavailable,
			fmt.Sprintf("scope %s does not exist", scopeID)), nil
	}
	if info.Archived {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeScopeUnavailable,
			fmt.Sprintf("scope %s is archived and does not allow executions", scopeID)), nil
	}

	// Memory actions bypass the handler path and write the per-principal
	// fact store. They produce no snapshot.
	if intent.ActionID == ActionMemoryRemember || intent.ActionID == ActionMemoryForget {
		return e.executeMemory(ctx, scopeID, principal, intent, opts)
	}

	if !opts.simulate {
		release, err := e.locker.Acquire(ctx, scopeID, e.cfg.LockTTL)
		if err != nil {
			return nil, NewInternal(CodeLock, "acquiring scope lock", err)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				e.log.Warn().Err(rerr).Str("scope_id", scopeID).Msg("failed to release scope lock")
			}
		}()
	}

	current, err := e.loadCurrent(ctx, scopeID, opts)
	if err != nil {
		return nil, err
	}

	action, ok := e.registry.Action(intent.ActionID)
	if !ok {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeUnknownAction,
			fmt.Sprintf("action %s not found", intent.ActionID)), nil
	}

	// Authorization gate.
	if !principal.Role.Authorizes(action.Permission.Risk) {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodePermissionDenied,
			fmt.Sprintf("role %s does not authorize %s-risk actions", principal.Role, action.Permission.Risk)), nil
	}
	if (action.Permission.ConfirmationRequired || action.Permission.Risk == RiskHigh) && !intent.Confirmed {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeConfirmationRequired,
			"explicit confirmation required"), nil
	}

	limits, usage, err := e.repo.LoadGovernance(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading governance state", err)
	}
	now := time.Now()
	usage = governance.Rollover(usage, now)

	if !governance.InWindow(limits.Windows, now) {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeExecutionWindow,
			"outside of allowed execution window"), nil
	}

	// Validation: structural input schema first, then preconditions against
	// the loaded snapshot.
	if verr := e.registry.ValidateInputs(intent.ActionID, intent.Inputs); verr != nil {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeInvalidInput,
			fmt.Sprintf("input validation failed: %v", verr)), nil
	}
	for _, pre := range action.Preconditions {
		ok, everr := e.evalBool(ctx, pre.Expr, current.Components)
		if everr != nil {
			// A broken or timed-out evaluation is not a false clause; it is
			// an execution failure, same as on the invariant path.
			return e.fail(ctx, scopeID, principal, intent, opts.simulate, CodeEvaluatorError,
				fmt.Sprintf("error evaluating precondition %s: %v", pre.ID, everr)), nil
		}
		if !ok {
			return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodePreconditionFailed,
				fmt.Sprintf("precondition failed: %s", pre.Description)), nil
		}
	}

	// Governance. Simulation runs the identical checks so previews stay
	// faithful; only the counter commit is suppressed.
	cost := e.actionCost(action, intent.Inputs)
	if lerr := governance.CheckRate(limits, usage); lerr != nil {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeRateLimited, lerr.Detail), nil
	}
	if lerr := governance.CheckBudget(limits, usage, cost); lerr != nil {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeBudgetExceeded, lerr.Detail), nil
	}
	if !intent.Confirmed {
		rule := governance.MatchApproval(limits.Approvals, cost, func(role string) bool {
			return principal.Role.AtLeast(Role(role))
		})
		if rule != nil {
			return e.pendingApproval(ctx, scopeID, principal, intent, opts.simulate, cost, rule), nil
		}
	}

	// Execution: invoke the pure handler against a clone of the snapshot so
	// the committed state can never be mutated in place.
	handler, ok := e.registry.Handler(intent.ActionID)
	if !ok {
		return e.fail(ctx, scopeID, principal, intent, opts.simulate, CodeHandlerError,
			fmt.Sprintf("no handler registered for %s", intent.ActionID)), nil
	}
	working := &Snapshot{
		ID:         current.ID,
		ParentID:   current.ParentID,
		Timestamp:  current.Timestamp,
		Components: current.Clone(),
	}
	hr, herr := e.runHandler(ctx, handler, intent.Inputs, working)
	if herr != nil {
		code := CodeHandlerError
		if CodeOf(herr) == CodeHandlerTimeout {
			code = CodeHandlerTimeout
		}
		return e.fail(ctx, scopeID, principal, intent, opts.simulate, code,
			fmt.Sprintf("handler error: %v", herr)), nil
	}

	// Invariant re-check on every component the mutation touched. A single
	// violation discards the handler output entirely.
	for _, comp := range e.registry.Components() {
		if !touched(comp.ComponentID, current.Components, hr.Components) {
			continue
		}
		for _, inv := range comp.Invariants {
			ok, everr := e.evalBool(ctx, inv.Expr, hr.Components)
			if everr != nil {
				return e.fail(ctx, scopeID, principal, intent, opts.simulate, CodeEvaluatorError,
					fmt.Sprintf("error evaluating invariant %s for %s: %v", inv.ID, comp.ComponentID, everr)), nil
			}
			if !ok {
				return e.fail(ctx, scopeID, principal, intent, opts.simulate, CodeInvariantViolated,
					fmt.Sprintf("invariant violated for %s: %s", comp.ComponentID, inv.Description)), nil
			}
		}
	}

	// The engine recomputes the diff from before/after states; the handler's
	// own diff is advisory.
	diff := ComputeDiff(current.Components, hr.Components)

	message := hr.Message
	if message == "" {
		message = "action executed successfully"
	}
	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   intent.RequestID,
		PrincipalID: principal.ID,
		ActionID:    intent.ActionID,
		Status:      StatusSuccess,
		Message:     message,
		Diff:        diff,
		Cost:        cost,
		Duration:    time.Since(start),
		Timestamp:   now,
		Simulated:   opts.simulate,
	}

	if opts.simulate {
		result.simulatedState = hr.Components
		e.observe(scopeID, intent.ActionID, result)
		return result, nil
	}

	snapshot := &Snapshot{
		ID:         uuid.NewString(),
		ParentID:   current.ID,
		Timestamp:  now,
		Components: hr.Components,
	}
	result.SnapshotID = snapshot.ID

	// Atomic commit of (snapshot, result, governance delta). Partial
	// visibility of the triple must never be observable.
	if err := e.repo.SaveSnapshotAndResult(ctx, scopeID, snapshot, result); err != nil {
		return nil, NewInternal(CodeStorage, "committing snapshot", err)
	}

	e.observe(scopeID, intent.ActionID, result)
	e.log.Info().
		Str("scope_id", scopeID).
		Str("action_id", intent.ActionID).
		Str("snapshot_id", snapshot.ID).
		Str("request_id", intent.RequestID).
		Float64("cost", cost).
		Msg("intent committed")

	if e.cfg.Hook != nil {
		e.cfg.Hook(ctx, result, snapshot)
	}
	return result, nil
}

// loadCurrent resolves the snapshot the pipeline operates on: an override
// for chained simulation, the scope's latest snapshot, or an empty initial
// state when the scope has no history.
func (e *Engine) loadCurrent(ctx context.Context, scopeID string, opts execOptions) (*Snapshot, error) {
	if opts.overrideState != nil {
		return &Snapshot{ID: "simulated-prev", Components: opts.overrideState}, nil
	}
	current, err := e.repo.LoadLatestSnapshot(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading latest snapshot", err)
	}
	if current == nil {
		current = &Snapshot{Components: map[string]map[string]any{}}
	}
	return current, nil
}

// executeMemory handles memory.remember and memory.forget, which write the
// per-principal fact store instead of scope state.
func (e *Engine) executeMemory(ctx context.Context, scopeID string, principal Principal, intent Intent, opts execOptions) (*ExecutionResult, error) {
	if principal.ID == "" {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeInvalidInput,
			"principal id required for memory actions"), nil
	}
	key, _ := intent.Inputs["key"].(string)
	if key == "" {
		return e.reject(ctx, scopeID, principal, intent, opts.simulate, CodeInvalidInput,
			"memory actions require a string 'key' input"), nil
	}

	if opts.simulate {
		return &ExecutionResult{
			ResultID:    uuid.NewString(),
			RequestID:   intent.RequestID,
			PrincipalID: principal.ID,
			ActionID:    intent.ActionID,
			Status:      StatusSuccess,
			Message:     "simulated memory update",
			Timestamp:   time.Now(),
			Simulated:   true,
		}, nil
	}

	var message string
	var err error
	if intent.ActionID == ActionMemoryRemember {
		err = e.repo.SaveSessionFact(ctx, scopeID, principal.ID, key, intent.Inputs["value"])
		message = fmt.Sprintf("remembered %s", key)
	} else {
		err = e.repo.DeleteSessionFact(ctx, scopeID, principal.ID, key)
		message = fmt.Sprintf("forgot %s", key)
	}
	if err != nil {
		return e.fail(ctx, scopeID, principal, intent, opts.simulate, CodeHandlerError,
			fmt.Sprintf("memory error: %v", err)), nil
	}

	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   intent.RequestID,
		PrincipalID: principal.ID,
		ActionID:    intent.ActionID,
		Status:      StatusSuccess,
		Message:     message,
		Timestamp:   time.Now(),
	}
	if serr := e.repo.SaveResult(ctx, scopeID, result); serr != nil {
		e.log.Warn().Err(serr).Str("scope_id", scopeID).Msg("failed to record memory action")
	}
	e.observe(scopeID, intent.ActionID, result)
	return result, nil
}

// runHandler invokes the handler under the configured timeout. Handler
// panics and timeouts are both surfaced as failures.
func (e *Engine) runHandler(ctx context.Context, handler Handler, inputs map[string]any, snapshot *Snapshot) (*HandlerResult, error) {
	type outcome struct {
		hr  *HandlerResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		hr, err := handler(inputs, snapshot)
		if err == nil && hr == nil {
			err = fmt.Errorf("handler returned no result")
		}
		done <- outcome{hr: hr, err: err}
	}()

	timer := time.NewTimer(e.cfg.HandlerTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.hr, o.err
	case <-ctx.Done():
		return nil, NewFailure(CodeHandlerTimeout, "handler cancelled", ctx.Err())
	case <-timer.C:
		return nil, NewFailure(CodeHandlerTimeout,
			fmt.Sprintf("handler exceeded %s timeout", e.cfg.HandlerTimeout), nil)
	}
}

// evalBool runs one expression through the evaluator under the eval timeout.
func (e *Engine) evalBool(ctx context.Context, expr string, components map[string]map[string]any) (bool, error) {
	ectx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()
	return e.eval.EvalBool(ectx, expr, components)
}

// actionCost computes the charged cost for one execution.
func (e *Engine) actionCost(action *ActionDeclaration, inputs map[string]any) float64 {
	units := 0.0
	if action.CostInput != "" {
		if v, ok := inputs[action.CostInput]; ok {
			switch n := v.(type) {
			case float64:
				units = n
			case int:
				units = float64(n)
			case int64:
				units = float64(n)
			}
		}
	}
	return governance.ActionCost(action.BaseCost, string(action.Permission.Risk), units)
}

// touched reports whether a component's state differs between the two views.
func touched(componentID string, before, after map[string]map[string]any) bool {
	b, inBefore := before[componentID]
	a, inAfter := after[componentID]
	if inBefore != inAfter {
		return true
	}
	if !inAfter {
		return false
	}
	return !reflect.DeepEqual(b, a)
}

// reject records and returns a policy rejection. Audit persistence is best
// effort: a storage error must not mask the rejection itself.
func (e *Engine) reject(ctx context.Context, scopeID string, principal Principal, intent Intent, simulated bool, code Code, detail string) *ExecutionResult {
	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   intent.RequestID,
		PrincipalID: principal.ID,
		ActionID:    intent.ActionID,
		Status:      StatusRejected,
		Message:     detail,
		Timestamp:   time.Now(),
		Simulated:   simulated,
		Error:       &ResultError{Code: code, Detail: detail},
	}
	e.record(ctx, scopeID, result)
	return result
}

// fail records and returns a mutation failure. The prior snapshot remains
// latest; the handler output, if any, has been discarded.
func (e *Engine) fail(ctx context.Context, scopeID string, principal Principal, intent Intent, simulated bool, code Code, detail string) *ExecutionResult {
	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   intent.RequestID,
		PrincipalID: principal.ID,
		ActionID:    intent.ActionID,
		Status:      StatusFailed,
		Message:     detail,
		Timestamp:   time.Now(),
		Simulated:   simulated,
		Error:       &ResultError{Code: code, Detail: detail},
	}
	e.record(ctx, scopeID, result)
	return result
}

// pendingApproval records a non-terminal pending_approval result. No
// mutation occurs and no counter advances; the caller must resubmit with
// elevated confirmation once approved out of band.
func (e *Engine) pendingApproval(ctx context.Context, scopeID string, principal Principal, intent Intent, simulated bool, cost float64, rule *governance.ApprovalRule) *ExecutionResult {
	detail := fmt.Sprintf("action requires approval from a %s (cost %.1f)", rule.RequiredRole, cost)
	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   intent.RequestID,
		PrincipalID: principal.ID,
		ActionID:    intent.ActionID,
		Status:      StatusPendingApproval,
		Message:     detail,
		Cost:        cost,
		Timestamp:   time.Now(),
		Simulated:   simulated,
	}
	e.record(ctx, scopeID, result)
	return result
}

// record persists an audit-only result, best effort.
func (e *Engine) record(ctx context.Context, scopeID string, result *ExecutionResult) {
	if result.Simulated {
		return
	}
	if err := e.repo.SaveResult(ctx, scopeID, result); err != nil {
		e.log.Warn().Err(err).
			Str("scope_id", scopeID).
			Str("result_id", result.ResultID).
			Msg("failed to record audit result")
	}
	e.observe(scopeID, result.ActionID, result)
}

func (e *Engine) observe(scopeID, actionID string, result *ExecutionResult) {
	if e.metrics == nil {
		return
	}
	code := ""
	if result.Error != nil {
		code = string(result.Error.Code)
	}
	e.metrics.ObserveExecution(scopeID, actionID, string(result.Status), code, result.Duration, result.Cost)
}
