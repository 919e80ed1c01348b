package engine

import (
	"strings"

	"synthetic_sensors/internal/config"
)

// ReferenceValue pairs a resolved value with the reference it came from.
// Within one evaluation all variables bound to the same entity id share the
// identical instance.
type ReferenceValue struct {
	Reference string
	Value     interface{}
}

// resolutionContext carries the per-evaluation state of the resolver chain.
// Instances live only for the duration of one evaluation call.
type resolutionContext struct {
	engine    *Engine
	formula   *config.FormulaConfig
	eval      *EvalContext
	variables map[string]config.Variable
	refs      map[string]*ReferenceValue
	depth     int
}

func newResolutionContext(e *Engine, cfg *config.FormulaConfig, ectx *EvalContext) *resolutionContext {
	return &resolutionContext{
		engine:    e,
		formula:   cfg,
		eval:      ectx,
		variables: cfg.Variables,
		refs:      make(map[string]*ReferenceValue),
	}
}

// memoized returns the shared ReferenceValue for a reference, if resolution
// already produced one during this evaluation.
func (rctx *resolutionContext) memoized(reference string) (*ReferenceValue, bool) {
	ref, ok := rctx.refs[reference]
	return ref, ok
}

// remember stores the ReferenceValue so later bindings of the same
// reference reuse the identical instance.
func (rctx *resolutionContext) remember(ref *ReferenceValue) *ReferenceValue {
	rctx.refs[ref.Reference] = ref
	return ref
}

// child derives a context for a computed variable, layering its local
// variables over the parent scope. The ReferenceValue memo is shared so
// entity identity consistency spans the whole evaluation.
func (rctx *resolutionContext) child(local map[string]config.Variable) *resolutionContext {
	return &resolutionContext{
		engine:    rctx.engine,
		formula:   rctx.formula,
		eval:      rctx.eval,
		variables: mergeVariables(rctx.variables, local),
		refs:      rctx.refs,
		depth:     rctx.depth + 1,
	}
}

// setNestedEnv writes a dotted reference into the environment as nested
// maps so member access inside the compiled program finds it.
func setNestedEnv(env map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := env
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// lookupAttributePath follows a dotted path through nested attribute maps.
func lookupAttributePath(attributes map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = attributes
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
