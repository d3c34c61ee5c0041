// Package registry holds the catalog of declared components and actions.
// Declarations are registered once at startup and are immutable afterwards;
// input schemas are compiled at registration so execution never pays the
// compile cost.
package registry

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cheneeheng/stategate/pkg/engine"
)

// InMemory is the standard catalog implementation.
type InMemory struct {
	mu         sync.RWMutex
	actions    map[string]*engine.ActionDeclaration
	handlers   map[string]engine.Handler
	components map[string]*engine.ComponentDeclaration
	schemas    map[string]*jsonschema.Schema
}

// New creates an empty catalog.
func New() *InMemory {
	return &InMemory{
		actions:    make(map[string]*engine.ActionDeclaration),
		handlers:   make(map[string]engine.Handler),
		components: make(map[string]*engine.ComponentDeclaration),
		schemas:    make(map[string]*jsonschema.Schema),
	}
}

// RegisterComponent adds a component declaration to the catalog.
func (r *InMemory) RegisterComponent(decl *engine.ComponentDeclaration) error {
	if decl == nil || decl.ComponentID == "" {
		return fmt.Errorf("component declaration requires a component id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[decl.ComponentID]; exists {
		return fmt.Errorf("component %s already registered", decl.ComponentID)
	}
	r.components[decl.ComponentID] = decl
	return nil
}

// RegisterAction adds an action declaration and its handler to the catalog.
// The input schema is compiled here; a declaration with a broken schema is
// refused outright. A nil handler is allowed only for actions the caller
// dispatches itself.
func (r *InMemory) RegisterAction(decl *engine.ActionDeclaration, handler engine.Handler) error {
	if decl == nil || decl.ActionID == "" {
		return fmt.Errorf("action declaration requires an action id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[decl.ActionID]; exists {
		return fmt.Errorf("action %s already registered", decl.ActionID)
	}
	for _, target := range decl.Targets {
		if _, ok := r.components[target]; !ok {
			return fmt.Errorf("action %s targets unregistered component %s", decl.ActionID, target)
		}
	}

	if len(decl.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "mem://" + decl.ActionID + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(decl.InputSchema)); err != nil {
			return fmt.Errorf("loading input schema for %s: %w", decl.ActionID, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compiling input schema for %s: %w", decl.ActionID, err)
		}
		r.schemas[decl.ActionID] = schema
	}

	r.actions[decl.ActionID] = decl
	if handler != nil {
		r.handlers[decl.ActionID] = handler
	}
	return nil
}

// Action returns the declaration for the given action id.
func (r *InMemory) Action(actionID string) (*engine.ActionDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionID]
	return a, ok
}

// Handler returns the handler registered for the given action id.
func (r *InMemory) Handler(actionID string) (engine.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionID]
	return h, ok
}

// Component returns the declaration for the given component id.
func (r *InMemory) Component(componentID string) (*engine.ComponentDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[componentID]
	return c, ok
}

// Components lists all registered component declarations, ordered by id.
func (r *InMemory) Components() []*engine.ComponentDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.ComponentDeclaration, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

// Actions lists all registered action declarations, ordered by id. Callers
// surfacing the catalog to users should filter on Visibility.
func (r *InMemory) Actions() []*engine.ActionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.ActionDeclaration, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

// ValidateInputs validates inputs against the action's compiled input schema.
// Actions without a schema accept any inputs.
func (r *InMemory) ValidateInputs(actionID string, inputs map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[actionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any = map[string]any{}
	if inputs != nil {
		doc = toJSONValue(inputs)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("inputs for %s: %w", actionID, err)
	}
	return nil
}

// toJSONValue normalizes Go values into the shapes the schema validator
// expects from decoded JSON. Integer inputs arriving from Go callers are
// widened to float64 to match encoding/json behavior.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = toJSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toJSONValue(e)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
