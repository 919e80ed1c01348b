package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"synthetic_sensors/internal/config"
)

// breakerState tracks consecutive failures of one sensor. Counters reset on
// the first successful evaluation.
type breakerState struct {
	fatal      int
	transitory int
	open       bool
}

// RetryConfig returns the engine's retry configuration.
func (e *Engine) RetryConfig() config.RetryConfig { return e.retry }

// CircuitConfig returns the engine's circuit-breaker configuration.
func (e *Engine) CircuitConfig() config.CircuitConfig { return e.circuit }

// ErrCircuitOpen reports a sensor whose breaker tripped. Evaluation stays
// suppressed until ResetBreaker.
var ErrCircuitOpen = errors.New("circuit open")

func (e *Engine) newBackoff() *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    e.retry.MinDelay.Duration,
		Max:    e.retry.MaxDelay.Duration,
		Factor: e.retry.Factor,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}
	return b
}

func (e *Engine) maxAttempts() int {
	if e.retry.MaxAttempts > 0 {
		return e.retry.MaxAttempts
	}
	return 1
}

// fatalFailure reports whether a failed result must not be retried. Provider
// contract violations, syntax errors and uncovered missing dependencies
// reflect configuration or integration defects that waiting cannot fix.
func fatalFailure(result Result) bool {
	if len(result.MissingDependencies) > 0 {
		return true
	}
	var validation *DataValidationError
	var syntax *FormulaSyntaxError
	var missing *MissingDependencyError
	return errors.As(result.cause, &validation) ||
		errors.As(result.cause, &syntax) ||
		errors.As(result.cause, &missing)
}

// EvaluateSensorWithRetry evaluates a sensor, retrying transitory failures
// with exponential backoff. Fatal failures return immediately. A tripped
// breaker short-circuits without evaluating.
func (e *Engine) EvaluateSensorWithRetry(ctx context.Context, sensor *config.SensorConfig) (SensorResult, error) {
	if e.breakerOpen(sensor.UniqueID) {
		e.collector.IncCircuitOpen(sensor.UniqueID)
		return SensorResult{Key: sensor.UniqueID}, ErrCircuitOpen
	}

	delay := e.newBackoff()
	attempts := e.maxAttempts()
	var result SensorResult
	for attempt := 1; ; attempt++ {
		result = e.EvaluateSensor(sensor)
		if result.State.Success {
			e.recordSuccess(sensor.UniqueID)
			return result, nil
		}
		if fatalFailure(result.State) {
			e.recordFailure(sensor.UniqueID, true)
			return result, nil
		}
		if attempt >= attempts {
			e.recordFailure(sensor.UniqueID, false)
			return result, nil
		}
		e.collector.IncRetry(sensor.UniqueID)
		e.logger.Debug().
			Str("sensor", sensor.UniqueID).
			Int("attempt", attempt).
			Msg("retrying evaluation")
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay.Duration()):
		}
	}
}

func (e *Engine) breakerOpen(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.breakers[key]
	return ok && state.open
}

func (e *Engine) recordSuccess(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.breakers[key]; ok {
		state.fatal = 0
		state.transitory = 0
	}
}

func (e *Engine) recordFailure(key string, fatal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.breakers[key]
	if !ok {
		state = &breakerState{}
		e.breakers[key] = state
	}
	if fatal {
		state.fatal++
	} else {
		state.transitory++
	}
	trip := (e.circuit.MaxFatalErrors > 0 && state.fatal >= e.circuit.MaxFatalErrors) ||
		(e.circuit.MaxTransitoryErrors > 0 && state.transitory >= e.circuit.MaxTransitoryErrors)
	if trip && !state.open {
		state.open = true
		e.collector.IncCircuitOpen(key)
		e.logger.Warn().Str("sensor", key).Msg("circuit opened")
	}
}

// ResetBreaker closes a sensor's breaker and clears its failure counters.
func (e *Engine) ResetBreaker(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.breakers, key)
}

// BreakerOpen reports whether a sensor's breaker is currently open.
func (e *Engine) BreakerOpen(key string) bool {
	return e.breakerOpen(key)
}
