package engine

import (
	"fmt"
	"strings"

	"synthetic_sensors/internal/config"
)

// maxComputedDepth bounds recursion through computed variables. Cycle
// validation runs at sensor creation, so hitting the bound indicates a
// configuration that bypassed validation.
const maxComputedDepth = 16

// resolver is one strategy of the ordered resolution chain. The first
// resolver claiming a name wins.
type resolver interface {
	name() string
	canResolve(name string, binding config.Variable, rctx *resolutionContext) bool
	resolve(name string, binding config.Variable, rctx *resolutionContext) (*ReferenceValue, error)
}

// resolverChain returns the chain in specification order.
func resolverChain() []resolver {
	return []resolver{
		crossSensorResolver{},
		stateAttributeResolver{},
		entityAttributeResolver{},
		computedVariableResolver{},
		directEntityResolver{},
		literalResolver{},
	}
}

// resolveName walks the chain for one name. Names no strategy claims are
// unresolvable.
func (e *Engine) resolveName(name string, rctx *resolutionContext) (*ReferenceValue, error) {
	binding := rctx.variables[name]
	for _, r := range e.resolvers {
		if !r.canResolve(name, binding, rctx) {
			continue
		}
		ref, err := r.resolve(name, binding, rctx)
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
	// A plain name without a domain separator can only be a sensor that has
	// not produced a value yet, never a missing entity.
	if !strings.Contains(name, ".") {
		return nil, &alternateStateSignal{state: SentinelUnknown, dependencies: []string{name}}
	}
	return nil, &MissingDependencyError{Name: name, Formula: rctx.formula.Formula}
}

// crossSensorResolver resolves names (or literal bindings) that designate
// another sensor by key. Inside a sensor's own attribute formulas the own
// key resolves to the current evaluation's state binding instead of a
// registry lookup.
type crossSensorResolver struct{}

func (crossSensorResolver) name() string { return "cross_sensor" }

func (crossSensorResolver) sensorKey(name string, binding config.Variable, rctx *resolutionContext) (string, bool) {
	if binding.IsComputed() || binding.IsEntity() {
		return "", false
	}
	if literal, ok := binding.Literal.(string); ok && rctx.engine.crossRefs.IsSensorKey(literal) {
		return literal, true
	}
	if binding.Literal == nil && rctx.engine.crossRefs.IsSensorKey(name) {
		return name, true
	}
	return "", false
}

func (r crossSensorResolver) canResolve(name string, binding config.Variable, rctx *resolutionContext) bool {
	_, ok := r.sensorKey(name, binding, rctx)
	return ok
}

func (r crossSensorResolver) resolve(name string, binding config.Variable, rctx *resolutionContext) (*ReferenceValue, error) {
	key, _ := r.sensorKey(name, binding, rctx)
	if key == rctx.eval.SensorKey && rctx.eval.IsAttribute {
		return &ReferenceValue{Reference: key, Value: rctx.eval.StateValue}, nil
	}
	if ref, ok := rctx.memoized(key); ok {
		return ref, nil
	}
	value, ok := rctx.engine.registry.Value(key)
	if !ok {
		// The referenced sensor has not computed yet; degraded, not fatal.
		return nil, &alternateStateSignal{state: SentinelUnknown, dependencies: []string{key}}
	}
	return rctx.remember(&ReferenceValue{Reference: key, Value: value}), nil
}

// stateAttributeResolver resolves dotted state.<attr...> paths through the
// data provider's attribute map for the backing entity.
type stateAttributeResolver struct{}

func (stateAttributeResolver) name() string { return "state_attribute" }

func (stateAttributeResolver) canResolve(name string, _ config.Variable, _ *resolutionContext) bool {
	return strings.HasPrefix(name, stateToken+".")
}

func (stateAttributeResolver) resolve(name string, _ config.Variable, rctx *resolutionContext) (*ReferenceValue, error) {
	if ref, ok := rctx.memoized(name); ok {
		return ref, nil
	}
	entityID := rctx.eval.BackingEntityID
	if entityID == "" {
		return nil, &MissingDependencyError{Name: name, Formula: rctx.formula.Formula}
	}
	attributes, err := rctx.engine.entityAttributes(entityID)
	if err != nil {
		return nil, err
	}
	path := strings.Split(name, ".")[1:]
	value, ok := lookupAttributePath(attributes, path)
	if !ok {
		return nil, &MissingDependencyError{Name: name, Formula: rctx.formula.Formula}
	}
	return rctx.remember(&ReferenceValue{Reference: name, Value: value}), nil
}

// entityAttributeResolver resolves var.<attr> paths where var is bound to
// an entity id. A configured attribute that the provider does not report is
// a missing dependency.
type entityAttributeResolver struct{}

func (entityAttributeResolver) name() string { return "entity_attribute" }

func (entityAttributeResolver) canResolve(name string, _ config.Variable, rctx *resolutionContext) bool {
	root, _, found := strings.Cut(name, ".")
	if !found {
		return false
	}
	binding, bound := rctx.variables[root]
	return bound && binding.IsEntity()
}

func (entityAttributeResolver) resolve(name string, _ config.Variable, rctx *resolutionContext) (*ReferenceValue, error) {
	root, rest, _ := strings.Cut(name, ".")
	binding := rctx.variables[root]
	reference := binding.EntityID + "." + rest
	if ref, ok := rctx.memoized(reference); ok {
		return ref, nil
	}
	attributes, err := rctx.engine.entityAttributes(binding.EntityID)
	if err != nil {
		return nil, err
	}
	value, ok := lookupAttributePath(attributes, strings.Split(rest, "."))
	if !ok {
		return nil, &MissingDependencyError{Name: name, Formula: rctx.formula.Formula}
	}
	return rctx.remember(&ReferenceValue{Reference: reference, Value: value}), nil
}

// computedVariableResolver evaluates computed variables through the full
// pipeline, applying their own alternate-state handler on failure.
type computedVariableResolver struct{}

func (computedVariableResolver) name() string { return "computed_variable" }

func (computedVariableResolver) canResolve(_ string, binding config.Variable, _ *resolutionContext) bool {
	return binding.IsComputed()
}

func (computedVariableResolver) resolve(name string, binding config.Variable, rctx *resolutionContext) (*ReferenceValue, error) {
	if rctx.depth >= maxComputedDepth {
		return nil, fmt.Errorf("computed variable %s exceeds resolution depth %d", name, maxComputedDepth)
	}
	computed := binding.Computed
	child := rctx.child(computed.Variables)
	value, err := rctx.engine.evaluateComputed(name, computed, child)
	if err != nil {
		return nil, err
	}
	return &ReferenceValue{Reference: name, Value: value}, nil
}

// directEntityResolver reads an entity's value, preferring the data
// provider over the host state accessor. Sentinel unavailable/unknown
// values are preserved as values, not failures; a provider returning no
// result is a fatal implementation error.
type directEntityResolver struct{}

func (directEntityResolver) name() string { return "direct_entity" }

func (directEntityResolver) canResolve(name string, binding config.Variable, _ *resolutionContext) bool {
	return binding.IsEntity() || strings.Contains(name, ".")
}

func (directEntityResolver) resolve(name string, binding config.Variable, rctx *resolutionContext) (*ReferenceValue, error) {
	entityID := name
	if binding.IsEntity() {
		entityID = binding.EntityID
	}
	if ref, ok := rctx.memoized(entityID); ok {
		return ref, nil
	}
	value, err := rctx.engine.readEntity(entityID)
	if err != nil {
		return nil, err
	}
	return rctx.remember(&ReferenceValue{Reference: entityID, Value: value}), nil
}

// literalResolver wraps literal bindings verbatim. It terminates the chain
// for every bound variable the earlier strategies declined.
type literalResolver struct{}

func (literalResolver) name() string { return "literal" }

func (literalResolver) canResolve(_ string, binding config.Variable, _ *resolutionContext) bool {
	return binding.Literal != nil
}

func (literalResolver) resolve(name string, binding config.Variable, _ *resolutionContext) (*ReferenceValue, error) {
	return &ReferenceValue{Reference: name, Value: binding.Literal}, nil
}

// readEntity reads one entity's current value. Registered sensors answer
// from the value registry; otherwise the data provider is consulted first
// and the host state accessor second.
func (e *Engine) readEntity(entityID string) (interface{}, error) {
	if key, ok := e.registry.KeyForEntity(entityID); ok {
		if value, has := e.registry.Value(key); has {
			return value, nil
		}
		return nil, &alternateStateSignal{state: SentinelUnknown, dependencies: []string{entityID}}
	}
	if e.provider != nil {
		result := e.provider(entityID)
		if result == nil {
			return nil, &DataValidationError{EntityID: entityID, Reason: "provider returned no result"}
		}
		if result.Exists {
			return result.Value, nil
		}
	}
	if e.accessor != nil {
		if state := e.accessor(entityID); state != nil {
			return coerceStateString(state.State), nil
		}
	}
	return nil, &MissingDependencyError{Name: entityID}
}

// entityAttributes returns the attribute map for an entity from the data
// provider, falling back to the host accessor.
func (e *Engine) entityAttributes(entityID string) (map[string]interface{}, error) {
	if e.provider != nil {
		result := e.provider(entityID)
		if result == nil {
			return nil, &DataValidationError{EntityID: entityID, Reason: "provider returned no result"}
		}
		if result.Exists {
			return result.Attributes, nil
		}
	}
	if e.accessor != nil {
		if state := e.accessor(entityID); state != nil {
			return state.Attributes, nil
		}
	}
	return nil, &MissingDependencyError{Name: entityID}
}
