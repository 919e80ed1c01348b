package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"synthetic_sensors/internal/config"
	"synthetic_sensors/telemetry"
)

// Engine evaluates sensor formulas against live entity data. One engine
// instance serves a whole sensor set and owns the shared caches, the value
// registry and the cross-sensor reference bookkeeping.
type Engine struct {
	logger       zerolog.Logger
	collector    telemetry.Collector
	analyzer     *analyzer
	compilations *CompilationCache
	results      *ResultCache
	registry     *SensorRegistry
	crossRefs    *CrossSensorManager
	provider     DataProvider
	accessor     StateAccessor
	resolvers    []resolver

	retry   config.RetryConfig
	circuit config.CircuitConfig

	mu       sync.Mutex
	sensors  map[string]*config.SensorConfig
	order    []string
	breakers map[string]*breakerState
}

// Options configures a new Engine. Zero-value fields fall back to safe
// defaults: a no-op collector and a disabled logger.
type Options struct {
	Logger    zerolog.Logger
	Collector telemetry.Collector
	Provider  DataProvider
	Accessor  StateAccessor
	Retry     config.RetryConfig
	Circuit   config.CircuitConfig
}

func New(opts Options) *Engine {
	collector := opts.Collector
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Engine{
		logger:       opts.Logger.With().Str("component", "engine").Logger(),
		collector:    collector,
		analyzer:     newAnalyzer(),
		compilations: NewCompilationCache(),
		results:      NewResultCache(),
		registry:     NewSensorRegistry(),
		crossRefs:    NewCrossSensorManager(),
		provider:     opts.Provider,
		accessor:     opts.Accessor,
		resolvers:    resolverChain(),
		retry:        opts.Retry,
		circuit:      opts.Circuit,
		sensors:      make(map[string]*config.SensorConfig),
		breakers:     make(map[string]*breakerState),
	}
}

// EvalContext identifies whose formula is being evaluated and how the state
// token binds. Attribute formulas carry the freshly computed main result as
// StateValue.
type EvalContext struct {
	SensorKey       string
	BackingEntityID string
	IsAttribute     bool
	StateValue      interface{}
	Variables       map[string]interface{}
}

// Result is the outcome of one formula evaluation. Success with a nil Value
// and a non-ok State is a graceful degradation, not an error.
type Result struct {
	Success bool
	Value   interface{}
	State   string
	Error   string
	Cached  bool

	MissingDependencies     []string
	UnavailableDependencies []string
	UnknownDependencies     []string

	cause error
}

// Cause returns the typed error behind a failed result, if any.
func (r Result) Cause() error { return r.cause }

// SensorResult bundles the main formula outcome with its attribute
// outcomes.
type SensorResult struct {
	Key        string
	State      Result
	Attributes map[string]Result
}

// EvaluateFormula runs the full pipeline for one formula: analysis,
// dependency validation, environment construction, cached compilation and
// execution, and result coercion.
func (e *Engine) EvaluateFormula(cfg *config.FormulaConfig, ectx *EvalContext) Result {
	return e.evaluate(cfg, newResolutionContext(e, cfg, ectx))
}

func (e *Engine) evaluate(cfg *config.FormulaConfig, rctx *resolutionContext) Result {
	ectx := rctx.eval

	analysis, err := e.analyzer.Analyze(cfg.Formula)
	if err != nil {
		return e.fail(cfg, err)
	}

	deps, err := e.extractFormulaDependencies(cfg)
	if err != nil {
		return e.fail(cfg, err)
	}
	// The state token resolves through the backing entity, so its health
	// gates the evaluation like any other dependency.
	if analysis.HasStateToken && !ectx.IsAttribute && ectx.BackingEntityID != "" {
		deps[ectx.BackingEntityID] = struct{}{}
	}

	outcome, err := e.validateDependencies(deps, ectx)
	if err != nil {
		return e.fail(cfg, err)
	}
	if len(outcome.Missing) > 0 {
		return e.missingResult(cfg, ectx, outcome.Missing)
	}
	if outcome.degraded() {
		return e.alternateResult(cfg, ectx, outcome)
	}

	env, err := e.buildEnvironment(analysis, rctx)
	if err != nil {
		return e.failureOrFallback(cfg, ectx, err)
	}

	text := cfg.Formula
	kind := classifyFormula(analysis)
	if kind == handlerMetadata {
		rewritten, placeholders, rerr := e.rewriteMetadataCalls(text, rctx)
		if rerr != nil {
			return e.failureOrFallback(cfg, ectx, rerr)
		}
		text = rewritten
		for name, value := range placeholders {
			env[name] = value
		}
		kind = handlerGeneral
	}

	fingerprint := Fingerprint(env)
	if value, state, ok := e.results.Get(cfg.Formula, fingerprint); ok {
		e.collector.IncCacheHit("result")
		return Result{Success: true, Value: value, State: state, Cached: true}
	}
	e.collector.IncCacheMiss("result")

	injectFunctions(env)
	value, err := e.evaluateText(text, kind, env)
	if err != nil {
		return e.failureOrFallback(cfg, ectx, err)
	}
	if cfg.Type != "" && value != nil {
		converted, cerr := convertValue(cfg.Type, value)
		if cerr != nil {
			return e.fail(cfg, cerr)
		}
		value = converted
	}

	e.results.Put(cfg.Formula, fingerprint, value, StateOK)
	e.collector.IncEvaluation(cfg.ID, "success")
	e.logger.Debug().Str("formula", cfg.ID).Msg("evaluated")
	return Result{Success: true, Value: value, State: StateOK}
}

// buildEnvironment resolves every name the formula reads and binds it into
// the evaluation environment. Dotted references become nested maps so the
// compiled member access finds them.
func (e *Engine) buildEnvironment(analysis *FormulaAnalysis, rctx *resolutionContext) (map[string]interface{}, error) {
	ectx := rctx.eval
	env := make(map[string]interface{}, len(analysis.Variables)+len(analysis.EntityRefs)+4)
	for name, value := range ectx.Variables {
		env[name] = value
	}

	if analysis.BareStateToken {
		if ectx.IsAttribute {
			env[stateToken] = ectx.StateValue
		} else if ectx.BackingEntityID != "" {
			value, err := e.readEntity(ectx.BackingEntityID)
			if err != nil {
				return nil, err
			}
			env[stateToken] = value
		} else {
			return nil, &MissingDependencyError{Name: stateToken, Formula: analysis.Formula}
		}
	}
	for _, attr := range analysis.StateAttributes {
		ref, err := e.resolveName(attr, rctx)
		if err != nil {
			return nil, err
		}
		setNestedEnv(env, attr, ref.Value)
	}

	for _, name := range analysis.Variables {
		if name == stateToken {
			continue
		}
		if _, bound := env[name]; bound {
			continue
		}
		ref, err := e.resolveName(name, rctx)
		if err != nil {
			return nil, err
		}
		env[name] = ref.Value
	}
	for _, path := range analysis.EntityRefs {
		ref, err := e.resolveName(path, rctx)
		if err != nil {
			return nil, err
		}
		setNestedEnv(env, path, ref.Value)
	}
	return env, nil
}

// computedVariableError carries a failed computed-variable result up to the
// parent evaluation so the typed cause and the dependency groups survive.
type computedVariableError struct {
	Name  string
	Inner Result
}

func (c *computedVariableError) Error() string {
	return fmt.Sprintf("computed variable %s: %s", c.Name, c.Inner.Error)
}

func (c *computedVariableError) Unwrap() error { return c.Inner.cause }

// evaluateComputed runs a computed variable through the pipeline, sharing
// the parent's ReferenceValue memo so entity identity stays consistent
// across the whole evaluation.
func (e *Engine) evaluateComputed(name string, computed *config.ComputedVariable, rctx *resolutionContext) (interface{}, error) {
	derived := &config.FormulaConfig{
		ID:              rctx.formula.ID + "." + name,
		Formula:         computed.Formula,
		Variables:       rctx.variables,
		AlternateStates: computed.AlternateStates,
	}
	child := *rctx
	child.formula = derived
	result := e.evaluate(derived, &child)
	if !result.Success {
		return nil, &computedVariableError{Name: name, Inner: result}
	}
	return result.Value, nil
}

// failureOrFallback routes a resolution error to the matching recovery
// path. Degraded signals reach the alternate-state handlers, missing
// dependencies reach the fallback branch, and provider contract violations
// always fail.
func (e *Engine) failureOrFallback(cfg *config.FormulaConfig, ectx *EvalContext, err error) Result {
	var signal *alternateStateSignal
	if errors.As(err, &signal) {
		outcome := ValidationOutcome{}
		switch signal.state {
		case SentinelUnavailable:
			outcome.Unavailable = signal.dependencies
		default:
			outcome.Unknown = signal.dependencies
		}
		return e.alternateResult(cfg, ectx, outcome)
	}
	var fromComputed *computedVariableError
	if errors.As(err, &fromComputed) {
		inner := fromComputed.Inner
		if len(inner.MissingDependencies) > 0 {
			return e.missingResult(cfg, ectx, inner.MissingDependencies)
		}
		result := e.fail(cfg, err)
		result.UnavailableDependencies = inner.UnavailableDependencies
		result.UnknownDependencies = inner.UnknownDependencies
		return result
	}
	var missing *MissingDependencyError
	if errors.As(err, &missing) {
		return e.missingResult(cfg, ectx, []string{missing.Name})
	}
	return e.fail(cfg, err)
}

func (e *Engine) fail(cfg *config.FormulaConfig, err error) Result {
	e.collector.IncEvaluation(cfg.ID, "error")
	e.logger.Warn().Str("formula", cfg.ID).Err(err).Msg("evaluation failed")
	return Result{Success: false, State: StateUnavailable, Error: err.Error(), cause: err}
}

// EvaluateSensor evaluates the main formula, publishes its value to the
// registry, then evaluates every attribute formula with the fresh main
// result bound as the state token.
func (e *Engine) EvaluateSensor(sensor *config.SensorConfig) SensorResult {
	main := e.EvaluateFormula(&sensor.Formula, &EvalContext{
		SensorKey:       sensor.UniqueID,
		BackingEntityID: sensor.BackingEntity,
	})
	if main.Success {
		e.registry.SetValue(sensor.UniqueID, main.Value)
	}

	result := SensorResult{Key: sensor.UniqueID, State: main}
	if len(sensor.Attributes) == 0 {
		return result
	}
	result.Attributes = make(map[string]Result, len(sensor.Attributes))
	for i := range sensor.Attributes {
		attr := &sensor.Attributes[i]
		result.Attributes[attr.ID] = e.EvaluateFormula(attr, &EvalContext{
			SensorKey:       sensor.UniqueID,
			BackingEntityID: sensor.BackingEntity,
			IsAttribute:     true,
			StateValue:      main.Value,
		})
	}
	return result
}

// ValidateSensor checks a sensor configuration without registering it:
// formula syntax, computed-variable cycles and handler cycles. Cycles
// across sensors are checked by ValidateGraph once all sensors are added.
func (e *Engine) ValidateSensor(sensor *config.SensorConfig) error {
	formulas := append([]config.FormulaConfig{sensor.Formula}, sensor.Attributes...)
	for i := range formulas {
		cfg := &formulas[i]
		if _, err := e.analyzer.Analyze(cfg.Formula); err != nil {
			return fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
		}
		if err := e.validateVariableGraph(cfg); err != nil {
			return fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
		}
		if err := validateHandlerGraph(cfg.AlternateStates); err != nil {
			return fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
		}
	}
	return nil
}

// AddSensor validates one sensor's formulas and registers it.
func (e *Engine) AddSensor(sensor *config.SensorConfig) error {
	if err := e.ValidateSensor(sensor); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.sensors[sensor.UniqueID]; !exists {
		e.order = append(e.order, sensor.UniqueID)
	}
	e.sensors[sensor.UniqueID] = sensor
	e.mu.Unlock()

	e.crossRefs.AddSensorKey(sensor.UniqueID)
	deps, err := e.extractSensorDependencies(sensor)
	if err != nil {
		return fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
	}
	for dep := range deps {
		if !strings.Contains(dep, ".") && dep != sensor.UniqueID {
			e.crossRefs.AddReference(sensor.UniqueID, dep)
		}
	}

	e.registry.Register(sensor.UniqueID, sensor.EntityID)
	e.crossRefs.MarkRegistered(sensor.UniqueID, sensor.EntityID)
	e.logger.Info().Str("sensor", sensor.UniqueID).Msg("sensor registered")
	return nil
}

// ValidateGraph checks the dependency graph spanning all registered
// sensors for cycles.
func (e *Engine) ValidateGraph() error {
	e.mu.Lock()
	sensors := make([]config.SensorConfig, 0, len(e.order))
	for _, key := range e.order {
		sensors = append(sensors, *e.sensors[key])
	}
	e.mu.Unlock()
	return e.validateSensorGraph(sensors)
}

// GetFormulaDependencies returns the sorted dependency set of a formula,
// expanded through its computed variables.
func (e *Engine) GetFormulaDependencies(cfg *config.FormulaConfig) ([]string, error) {
	deps, err := e.extractFormulaDependencies(cfg)
	if err != nil {
		return nil, err
	}
	ordered := make([]string, 0, len(deps))
	for dep := range deps {
		ordered = append(ordered, dep)
	}
	sort.Strings(ordered)
	return ordered, nil
}

// Sensors returns the registered sensor configurations in insertion order.
func (e *Engine) Sensors() []*config.SensorConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*config.SensorConfig, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, e.sensors[key])
	}
	return out
}

// Registry exposes the sensor value registry.
func (e *Engine) Registry() *SensorRegistry { return e.registry }

// CrossReferences exposes the cross-sensor reference manager.
func (e *Engine) CrossReferences() *CrossSensorManager { return e.crossRefs }

// CompilationStats reports hit, miss and entry counts of the compilation
// cache.
func (e *Engine) CompilationStats() CacheStats { return e.compilations.Stats() }

// ResultStats reports hit, miss and entry counts of the result cache.
func (e *Engine) ResultStats() CacheStats { return e.results.Stats() }

// ClearResults drops cached evaluation results. Compiled programs stay.
func (e *Engine) ClearResults() {
	e.results.Clear()
	e.collector.SetCacheEntries("result", 0)
}

// ClearCaches drops cached results and compiled programs.
func (e *Engine) ClearCaches() {
	e.results.Clear()
	e.compilations.Clear()
	e.collector.SetCacheEntries("result", 0)
	e.collector.SetCacheEntries("compilation", 0)
}
