// Package eval provides the restricted boolean expression evaluator used for
// preconditions and invariants. Expressions are CEL with a single `state`
// variable bound to the component-state view. Anything resembling arbitrary
// code execution is rejected at parse time: no comprehensions, no macros, and
// only a fixed allowlist of functions.
package eval

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// ErrorCode classifies evaluator errors.
type ErrorCode string

const (
	// CodeParse marks expressions that do not parse as CEL.
	CodeParse ErrorCode = "parse_error"

	// CodeForbidden marks expressions using a disallowed construct.
	CodeForbidden ErrorCode = "forbidden_construct"

	// CodeRuntime marks evaluation-time errors (missing keys, type errors).
	CodeRuntime ErrorCode = "runtime_error"

	// CodeNotBoolean marks expressions that evaluate to a non-boolean value.
	CodeNotBoolean ErrorCode = "not_boolean"
)

// Error is a classified evaluator error.
type Error struct {
	Code    ErrorCode
	Expr    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// allowedFunctions is the closed set of call functions an expression may use.
// Everything here is a pure operator or conversion from the CEL standard
// library; user-defined or environment-reaching functions never appear.
var allowedFunctions = map[string]bool{
	"_&&_":   true,
	"_||_":   true,
	"!_":     true,
	"_==_":   true,
	"_!=_":   true,
	"_<_":    true,
	"_<=_":   true,
	"_>_":    true,
	"_>=_":   true,
	"_+_":    true,
	"_-_":    true,
	"-_":     true,
	"_*_":    true,
	"_/_":    true,
	"_%_":    true,
	"_[_]":   true,
	"_?_:_":  true,
	"@in":    true,
	"_in_":   true,
	"size":   true,
	"int":    true,
	"double": true,
	"string": true,
	"bool":   true,
}

// Evaluator compiles and runs restricted expressions. Compiled programs are
// cached per expression text; the cache only ever grows, which is fine for
// the small fixed set of declared preconditions and invariants.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// New creates an evaluator with the `state` variable declared as
// map(string, dyn).
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating expression environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates expr with the given component states bound to `state`.
// A non-boolean result is an error, never a silent pass.
func (e *Evaluator) EvalBool(ctx context.Context, expr string, components map[string]map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	state := make(map[string]any, len(components))
	for id, comp := range components {
		state[id] = comp
	}

	val, _, err := prg.ContextEval(ctx, map[string]any{"state": state})
	if err != nil {
		return false, &Error{Code: CodeRuntime, Expr: expr, Message: err.Error()}
	}
	b, ok := val.(types.Bool)
	if !ok {
		return false, &Error{
			Code:    CodeNotBoolean,
			Expr:    expr,
			Message: fmt.Sprintf("expression evaluated to %s, expected bool", val.Type()),
		}
	}
	return bool(b), nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}

	if err := e.validate(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Code: CodeParse, Expr: expr, Message: issues.Err().Error()}
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, &Error{Code: CodeParse, Expr: expr, Message: err.Error()}
	}
	e.cache[expr] = prg
	return prg, nil
}

// validate parses the expression and walks the AST, rejecting comprehensions
// and any call outside the operator allowlist.
func (e *Evaluator) validate(expr string) error {
	parsed, issues := e.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return &Error{Code: CodeParse, Expr: expr, Message: issues.Err().Error()}
	}
	return walk(parsed.Expr(), expr) //nolint:staticcheck // proto form is still the traversal surface
}

func walk(node *exprpb.Expr, expr string) error {
	if node == nil {
		return nil
	}

	switch k := node.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr, *exprpb.Expr_IdentExpr:
		return nil

	case *exprpb.Expr_SelectExpr:
		return walk(k.SelectExpr.Operand, expr)

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if !allowedFunctions[call.Function] {
			return &Error{
				Code:    CodeForbidden,
				Expr:    expr,
				Message: fmt.Sprintf("function %q is not allowed", call.Function),
			}
		}
		if err := walk(call.Target, expr); err != nil {
			return err
		}
		for _, arg := range call.Args {
			if err := walk(arg, expr); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := walk(el, expr); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if key := entry.GetMapKey(); key != nil {
				if err := walk(key, expr); err != nil {
					return err
				}
			}
			if err := walk(entry.Value, expr); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_ComprehensionExpr:
		return &Error{
			Code:    CodeForbidden,
			Expr:    expr,
			Message: "comprehensions and macros are not allowed",
		}

	default:
		return &Error{
			Code:    CodeForbidden,
			Expr:    expr,
			Message: "unsupported expression construct",
		}
	}
}
