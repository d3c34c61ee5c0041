package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutePlan runs a plan's steps strictly in order, acquiring the scope
// lock once per step. The first step whose result is not success halts the
// plan; prior successful steps remain committed (plans are not
// transactional). The returned slice contains every attempted result.
func (e *Engine) ExecutePlan(ctx context.Context, scopeID string, principal Principal, plan Plan) ([]*ExecutionResult, error) {
	return e.runPlan(ctx, scopeID, principal, plan, false)
}

// SimulatePlan dry-runs a plan. Each simulated step feeds its projected
// state into the next, so the preview reflects the plan as a whole, while
// durable state is never touched.
func (e *Engine) SimulatePlan(ctx context.Context, scopeID string, principal Principal, plan Plan) ([]*ExecutionResult, error) {
	return e.runPlan(ctx, scopeID, principal, plan, true)
}

func (e *Engine) runPlan(ctx context.Context, scopeID string, principal Principal, plan Plan, simulate bool) ([]*ExecutionResult, error) {
	mode := ModeAssisted
	if len(plan.Steps) > 0 && plan.Steps[0].Mode != "" {
		mode = plan.Steps[0].Mode
	}
	limit := mode.StepLimit()

	results := make([]*ExecutionResult, 0, len(plan.Steps))
	var chained map[string]map[string]any

	for i := range plan.Steps {
		if i >= limit {
			halt := e.stepLimitResult(ctx, scopeID, principal, plan.Steps[i], simulate, mode, len(plan.Steps), limit)
			results = append(results, halt)
			return results, nil
		}

		step := plan.Steps[i]
		if step.Type != IntentActionCall {
			rej := e.reject(ctx, scopeID, principal, step, simulate, CodeUnsupportedIntent,
				"plans may only contain action_call steps")
			results = append(results, rej)
			return results, nil
		}

		res, err := e.execute(ctx, scopeID, principal, step, execOptions{
			simulate:      simulate,
			overrideState: chained,
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if res.Status != StatusSuccess {
			return results, nil
		}
		if simulate {
			chained = res.simulatedState
		}
	}

	return results, nil
}

// stepLimitResult records the rejection that halts an over-long plan with a
// partial-results summary.
func (e *Engine) stepLimitResult(ctx context.Context, scopeID string, principal Principal, step Intent, simulated bool, mode Mode, steps, limit int) *ExecutionResult {
	detail := fmt.Sprintf("plan exceeds step limit for %s mode (%d > %d)", mode, steps, limit)
	result := &ExecutionResult{
		ResultID:    uuid.NewString(),
		RequestID:   step.RequestID,
		PrincipalID: principal.ID,
		ActionID:    step.ActionID,
		Status:      StatusRejected,
		Message:     detail,
		Timestamp:   time.Now(),
		Simulated:   simulated,
		Error:       &ResultError{Code: CodeStepLimitExceeded, Detail: detail},
	}
	e.record(ctx, scopeID, result)
	return result
}
