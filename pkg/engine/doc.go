// Package engine implements the execution engine: the single authoritative
// component allowed to mutate scope state.
//
// Callers submit intents (or ordered plans of intents) on behalf of a
// principal; the engine resolves the scope context, authorizes the request,
// validates inputs and preconditions, applies governance limits, executes
// the registered pure handler under the scope lock, and commits the new
// snapshot, its execution result, and the updated governance counters as one
// atomic unit. Every attempt, including rejected and failed ones, is
// recorded as an ExecutionResult so the audit trail is complete.
//
// The engine performs no network I/O and interprets no natural language.
// Translation of user input into intents, rendering of results, identity
// management, and trigger scheduling are external collaborators that call
// the interface defined here.
//
// Basic usage:
//
//	eng := engine.New(reg, repo, locker, evaluator, engine.Config{})
//	res, err := eng.ExecuteIntent(ctx, "p1", principal, intent)
//
// Simulation runs the same validation and governance logic but persists
// nothing:
//
//	res, err := eng.SimulateIntent(ctx, "p1", principal, intent)
package engine
