package registry

import (
	"encoding/json"
	"fmt"

	"github.com/cheneeheng/stategate/pkg/engine"
)

// Identifiers for the built-in demo counter catalog.
const (
	DemoCounterComponent = "demo.counter"
	DemoCounterLoad      = "demo.counter.load"
	DemoCounterIncrement = "demo.counter.increment"
	DemoCounterSet       = "demo.counter.set"
	DemoCounterReset     = "demo.counter.reset"
)

const exprCounterLoaded = `state["demo.counter"]["loaded"] == true`

// RegisterDemo installs the demo counter component and its actions, plus the
// engine-dispatched memory action declarations. The counter exists to
// exercise the full pipeline end to end without any external system.
func RegisterDemo(r *InMemory) error {
	if err := r.RegisterComponent(&engine.ComponentDeclaration{
		ComponentID: DemoCounterComponent,
		Title:       "Demo counter",
		Description: "A minimal stateful component for trying out the engine.",
		StateSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"loaded": {"type": "boolean"},
				"value": {"type": "number"}
			},
			"required": ["loaded", "value"]
		}`),
		Invariants: []engine.Invariant{
			{
				ID:          "non_negative",
				Description: "counter value must not be negative",
				Expr:        `state["demo.counter"]["value"] >= 0.0`,
			},
		},
		Readable: true,
	}); err != nil {
		return err
	}

	loadedPre := engine.Precondition{
		ID:          "loaded",
		Description: "counter must be loaded first",
		Expr:        exprCounterLoaded,
	}

	actions := []struct {
		decl    *engine.ActionDeclaration
		handler engine.Handler
	}{
		{
			decl: &engine.ActionDeclaration{
				ActionID:    DemoCounterLoad,
				Title:       "Load counter",
				Description: "Initializes the counter to zero.",
				Targets:     []string{DemoCounterComponent},
				InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
				Effects:     engine.Effects{MayChange: []string{"demo.counter.loaded", "demo.counter.value"}},
				Permission:  engine.Permission{Risk: engine.RiskLow, Visibility: engine.VisibilityUser},
				BaseCost:    1,
			},
			handler: func(inputs map[string]any, snapshot *engine.Snapshot) (*engine.HandlerResult, error) {
				state := snapshot.Components
				state[DemoCounterComponent] = map[string]any{"loaded": true, "value": float64(0)}
				return &engine.HandlerResult{Components: state, Message: "counter loaded"}, nil
			},
		},
		{
			decl: &engine.ActionDeclaration{
				ActionID:      DemoCounterIncrement,
				Title:         "Increment counter",
				Description:   "Adds a step (default 1) to the counter value.",
				Targets:       []string{DemoCounterComponent},
				InputSchema:   json.RawMessage(`{"type": "object", "properties": {"step": {"type": "number", "minimum": 1}}, "additionalProperties": false}`),
				Preconditions: []engine.Precondition{loadedPre},
				Effects:       engine.Effects{MayChange: []string{"demo.counter.value"}},
				Permission:    engine.Permission{Risk: engine.RiskLow, Visibility: engine.VisibilityUser},
				BaseCost:      1,
			},
			handler: func(inputs map[string]any, snapshot *engine.Snapshot) (*engine.HandlerResult, error) {
				state := snapshot.Components
				step := 1.0
				if s, ok := inputs["step"].(float64); ok {
					step = s
				}
				v, _ := state[DemoCounterComponent]["value"].(float64)
				state[DemoCounterComponent]["value"] = v + step
				return &engine.HandlerResult{
					Components: state,
					Message:    fmt.Sprintf("counter incremented to %v", v+step),
				}, nil
			},
		},
		{
			decl: &engine.ActionDeclaration{
				ActionID:      DemoCounterSet,
				Title:         "Set counter",
				Description:   "Sets the counter to an explicit value.",
				Targets:       []string{DemoCounterComponent},
				InputSchema:   json.RawMessage(`{"type": "object", "properties": {"value": {"type": "number"}}, "required": ["value"], "additionalProperties": false}`),
				Preconditions: []engine.Precondition{loadedPre},
				Effects:       engine.Effects{MayChange: []string{"demo.counter.value"}},
				Permission:    engine.Permission{Risk: engine.RiskMedium, Visibility: engine.VisibilityUser},
				BaseCost:      1,
			},
			handler: func(inputs map[string]any, snapshot *engine.Snapshot) (*engine.HandlerResult, error) {
				state := snapshot.Components
				v, ok := inputs["value"].(float64)
				if !ok {
					return nil, fmt.Errorf("value input must be a number")
				}
				state[DemoCounterComponent]["value"] = v
				return &engine.HandlerResult{
					Components: state,
					Message:    fmt.Sprintf("counter set to %v", v),
				}, nil
			},
		},
		{
			decl: &engine.ActionDeclaration{
				ActionID:      DemoCounterReset,
				Title:         "Reset counter",
				Description:   "Resets the counter to zero. Destructive, so confirmation is required.",
				Targets:       []string{DemoCounterComponent},
				InputSchema:   json.RawMessage(`{"type": "object", "additionalProperties": false}`),
				Preconditions: []engine.Precondition{loadedPre},
				Effects:       engine.Effects{MayChange: []string{"demo.counter.value"}},
				Permission: engine.Permission{
					Risk:                 engine.RiskHigh,
					ConfirmationRequired: true,
					Visibility:           engine.VisibilityUser,
				},
				BaseCost: 2,
			},
			handler: func(inputs map[string]any, snapshot *engine.Snapshot) (*engine.HandlerResult, error) {
				state := snapshot.Components
				state[DemoCounterComponent]["value"] = float64(0)
				return &engine.HandlerResult{Components: state, Message: "counter reset"}, nil
			},
		},
	}

	for _, a := range actions {
		if err := r.RegisterAction(a.decl, a.handler); err != nil {
			return err
		}
	}
	return registerSystemActions(r)
}

// registerSystemActions declares the actions the engine dispatches itself.
// They carry no handler; the declarations exist so catalogs and authorization
// surfaces can describe them.
func registerSystemActions(r *InMemory) error {
	system := []*engine.ActionDeclaration{
		{
			ActionID:    engine.ActionMemoryRemember,
			Title:       "Remember fact",
			Description: "Stores a fact in the caller's per-principal memory.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"key": {"type": "string", "minLength": 1}, "value": {}},
				"required": ["key", "value"],
				"additionalProperties": false
			}`),
			Permission: engine.Permission{Risk: engine.RiskLow, Visibility: engine.VisibilityUser},
			BaseCost:   0,
		},
		{
			ActionID:    engine.ActionMemoryForget,
			Title:       "Forget fact",
			Description: "Removes a fact from the caller's per-principal memory.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"key": {"type": "string", "minLength": 1}},
				"required": ["key"],
				"additionalProperties": false
			}`),
			Permission: engine.Permission{Risk: engine.RiskLow, Visibility: engine.VisibilityUser},
			BaseCost:   0,
		},
		{
			ActionID:    engine.ActionRevert,
			Title:       "Revert state",
			Description: "Restores the state captured by an earlier snapshot.",
			Permission:  engine.Permission{Risk: engine.RiskMedium, Visibility: engine.VisibilityDeveloper},
			BaseCost:    1,
		},
	}
	for _, decl := range system {
		if err := r.RegisterAction(decl, nil); err != nil {
			return err
		}
	}
	return nil
}
