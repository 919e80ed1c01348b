package engine

import (
	"fmt"
	"sort"
	"strings"

	"synthetic_sensors/internal/config"
)

// ValidationOutcome classifies the degraded dependencies of one evaluation.
// Missing entries are fatal unless a fallback branch covers them; the other
// groups are graceful by design.
type ValidationOutcome struct {
	Missing     []string
	Unavailable []string
	Unknown     []string
	None        []string
}

func (o *ValidationOutcome) degraded() bool {
	return len(o.Unavailable) > 0 || len(o.Unknown) > 0 || len(o.None) > 0
}

// extractFormulaDependencies expands a formula into its full dependency set,
// recursing through computed variables. The bare state token is excluded
// because it resolves through backing-entity substitution. Bound literals do
// not contribute; entity-bound variables contribute their entity id; unbound
// names stay as-is so cross-sensor references survive.
func (e *Engine) extractFormulaDependencies(cfg *config.FormulaConfig) (map[string]struct{}, error) {
	deps := make(map[string]struct{})
	if err := e.collectDependencies(cfg.Formula, cfg.Variables, deps, make(map[string]struct{})); err != nil {
		return nil, err
	}
	return deps, nil
}

// extractSensorDependencies merges the dependency sets of the main formula
// and every attribute formula of a sensor.
func (e *Engine) extractSensorDependencies(sensor *config.SensorConfig) (map[string]struct{}, error) {
	deps := make(map[string]struct{})
	if err := e.collectDependencies(sensor.Formula.Formula, sensor.Formula.Variables, deps, make(map[string]struct{})); err != nil {
		return nil, fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
	}
	for i := range sensor.Attributes {
		attr := &sensor.Attributes[i]
		if err := e.collectDependencies(attr.Formula, attr.Variables, deps, make(map[string]struct{})); err != nil {
			return nil, fmt.Errorf("sensor %s attribute %s: %w", sensor.UniqueID, attr.ID, err)
		}
	}
	return deps, nil
}

func (e *Engine) collectDependencies(formula string, vars map[string]config.Variable, deps map[string]struct{}, expanding map[string]struct{}) error {
	analysis, err := e.analyzer.Analyze(formula)
	if err != nil {
		return err
	}
	for _, name := range analysis.Variables {
		binding, bound := vars[name]
		switch {
		case !bound:
			deps[name] = struct{}{}
		case binding.IsEntity():
			deps[binding.EntityID] = struct{}{}
		case binding.IsComputed():
			if _, busy := expanding[name]; busy {
				continue
			}
			expanding[name] = struct{}{}
			merged := mergeVariables(vars, binding.Computed.Variables)
			if err := e.collectDependencies(binding.Computed.Formula, merged, deps, expanding); err != nil {
				return fmt.Errorf("computed variable %s: %w", name, err)
			}
			delete(expanding, name)
		}
	}
	for _, ref := range analysis.EntityRefs {
		root, _, _ := strings.Cut(ref, ".")
		if binding, bound := vars[root]; bound {
			// var.attr reaches through the variable's entity binding.
			if binding.IsEntity() {
				deps[binding.EntityID] = struct{}{}
			}
			continue
		}
		deps[ref] = struct{}{}
	}
	return nil
}

// mergeVariables layers child variables over the parent scope.
func mergeVariables(parent, child map[string]config.Variable) map[string]config.Variable {
	if len(child) == 0 {
		return parent
	}
	merged := make(map[string]config.Variable, len(parent)+len(child))
	for name, v := range parent {
		merged[name] = v
	}
	for name, v := range child {
		merged[name] = v
	}
	return merged
}

// validateDependencies probes every dependency and groups the degraded ones.
// A name without a domain separator is always a plain variable and is never
// reported missing; it can only surface as unknown while the sensor it names
// has not produced a value yet.
func (e *Engine) validateDependencies(deps map[string]struct{}, ectx *EvalContext) (ValidationOutcome, error) {
	outcome := ValidationOutcome{}
	ordered := make([]string, 0, len(deps))
	for dep := range deps {
		ordered = append(ordered, dep)
	}
	sort.Strings(ordered)

	for _, dep := range ordered {
		if !strings.Contains(dep, ".") {
			if e.crossRefs.IsSensorKey(dep) && dep != ectx.SensorKey {
				if _, ok := e.registry.Value(dep); !ok {
					outcome.Unknown = append(outcome.Unknown, dep)
				}
			}
			continue
		}
		if err := e.classifyEntity(dep, &outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (e *Engine) classifyEntity(entityID string, outcome *ValidationOutcome) error {
	// Entity ids owned by registered sensors read from the value registry.
	if key, ok := e.registry.KeyForEntity(entityID); ok {
		if _, has := e.registry.Value(key); !has {
			outcome.Unknown = append(outcome.Unknown, entityID)
		}
		return nil
	}
	if e.provider != nil {
		result := e.provider(entityID)
		if result == nil {
			return &DataValidationError{EntityID: entityID, Reason: "provider returned no result"}
		}
		if result.Exists {
			switch {
			case result.Value == nil:
				outcome.None = append(outcome.None, entityID)
			case result.Value == SentinelUnavailable:
				outcome.Unavailable = append(outcome.Unavailable, entityID)
			case result.Value == SentinelUnknown:
				outcome.Unknown = append(outcome.Unknown, entityID)
			}
			return nil
		}
	}
	if e.accessor != nil {
		state := e.accessor(entityID)
		if state == nil {
			outcome.Missing = append(outcome.Missing, entityID)
			return nil
		}
		switch state.State {
		case SentinelUnavailable:
			outcome.Unavailable = append(outcome.Unavailable, entityID)
		case SentinelUnknown:
			outcome.Unknown = append(outcome.Unknown, entityID)
		}
		return nil
	}
	outcome.Missing = append(outcome.Missing, entityID)
	return nil
}
