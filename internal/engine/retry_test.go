package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synthetic_sensors/internal/config"
)

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: attempts,
		MinDelay:    config.Duration{Duration: time.Millisecond},
		MaxDelay:    config.Duration{Duration: 2 * time.Millisecond},
		Factor:      2,
	}
}

func TestTransitoryFailureIsRetried(t *testing.T) {
	calls := 0
	provider := func(entityID string) *ProviderResult {
		calls++
		return &ProviderResult{Value: "not a number", Exists: true}
	}
	e := New(Options{
		Logger:   zerolog.Nop(),
		Provider: provider,
		Retry:    fastRetry(3),
	})
	sensor := &config.SensorConfig{
		UniqueID: "flaky",
		Formula:  config.FormulaConfig{ID: "flaky", Formula: "sensor.raw + 1"},
	}

	result, err := e.EvaluateSensorWithRetry(context.Background(), sensor)
	if err != nil {
		t.Fatalf("retry wrapper returned error: %v", err)
	}
	if result.State.Success {
		t.Fatalf("evaluation should still fail: %+v", result.State)
	}
	// Every attempt probes the provider twice: dependency validation and
	// environment construction.
	if calls < 6 {
		t.Fatalf("expected three attempts, provider saw %d calls", calls)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	calls := 0
	provider := func(entityID string) *ProviderResult {
		calls++
		return &ProviderResult{Exists: false}
	}
	e := New(Options{
		Logger:   zerolog.Nop(),
		Provider: provider,
		Retry:    fastRetry(3),
	})
	sensor := &config.SensorConfig{
		UniqueID: "doomed",
		Formula:  config.FormulaConfig{ID: "doomed", Formula: "sensor.gone + 1"},
	}

	result, err := e.EvaluateSensorWithRetry(context.Background(), sensor)
	if err != nil {
		t.Fatalf("retry wrapper returned error: %v", err)
	}
	if result.State.Success || len(result.State.MissingDependencies) == 0 {
		t.Fatalf("expected a missing dependency failure: %+v", result.State)
	}
	var missing *MissingDependencyError
	if !errors.As(result.State.Cause(), &missing) {
		t.Fatalf("missing-dependency cause lost its type: %v", result.State.Cause())
	}
	if calls != 1 {
		t.Fatalf("fatal failure must not be retried, provider saw %d calls", calls)
	}
}

func TestComputedVariableMissingDependencyIsFatal(t *testing.T) {
	calls := 0
	provider := func(entityID string) *ProviderResult {
		calls++
		return &ProviderResult{
			Value:      1.0,
			Exists:     true,
			Attributes: map[string]interface{}{"battery": 90.0},
		}
	}
	e := New(Options{
		Logger:   zerolog.Nop(),
		Provider: provider,
		Retry:    fastRetry(3),
	})
	sensor := &config.SensorConfig{
		UniqueID: "derived",
		Formula: config.FormulaConfig{
			ID:      "derived",
			Formula: "calc + 1",
			Variables: map[string]config.Variable{
				"calc": {Computed: &config.ComputedVariable{
					Formula: "dev.absent",
					Variables: map[string]config.Variable{
						"dev": {EntityID: "sensor.probe"},
					},
				}},
			},
		},
	}

	result, err := e.EvaluateSensorWithRetry(context.Background(), sensor)
	if err != nil {
		t.Fatalf("retry wrapper returned error: %v", err)
	}
	if result.State.Success {
		t.Fatalf("evaluation should fail: %+v", result.State)
	}
	if !containsAll(result.State.MissingDependencies, "dev.absent") {
		t.Fatalf("missing set must name the absent attribute: %+v", result.State)
	}
	var missing *MissingDependencyError
	if !errors.As(result.State.Cause(), &missing) {
		t.Fatalf("missing-dependency cause lost its type: %v", result.State.Cause())
	}
	// One attempt probes the provider three times: parent validation, child
	// validation, attribute lookup. Retrying would multiply that.
	if calls != 3 {
		t.Fatalf("fatal computed failure must not be retried, provider saw %d calls", calls)
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	provider := func(entityID string) *ProviderResult {
		return &ProviderResult{Value: "not a number", Exists: true}
	}
	e := New(Options{
		Logger:   zerolog.Nop(),
		Provider: provider,
		Retry:    fastRetry(1),
		Circuit:  config.CircuitConfig{MaxTransitoryErrors: 2},
	})
	sensor := &config.SensorConfig{
		UniqueID: "tripping",
		Formula:  config.FormulaConfig{ID: "tripping", Formula: "sensor.raw + 1"},
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := e.EvaluateSensorWithRetry(ctx, sensor); err != nil {
			t.Fatalf("evaluation %d returned error: %v", i, err)
		}
	}
	if !e.BreakerOpen("tripping") {
		t.Fatal("breaker should open after the transitory threshold")
	}

	_, err := e.EvaluateSensorWithRetry(ctx, sensor)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	e.ResetBreaker("tripping")
	if e.BreakerOpen("tripping") {
		t.Fatal("reset should close the breaker")
	}
}

func TestSuccessResetsFailureCounters(t *testing.T) {
	healthy := false
	provider := func(entityID string) *ProviderResult {
		if healthy {
			return &ProviderResult{Value: 5.0, Exists: true}
		}
		return &ProviderResult{Value: "not a number", Exists: true}
	}
	e := New(Options{
		Logger:   zerolog.Nop(),
		Provider: provider,
		Retry:    fastRetry(1),
		Circuit:  config.CircuitConfig{MaxTransitoryErrors: 2},
	})
	sensor := &config.SensorConfig{
		UniqueID: "recovering",
		Formula:  config.FormulaConfig{ID: "recovering", Formula: "sensor.raw + 1"},
	}

	ctx := context.Background()
	if _, err := e.EvaluateSensorWithRetry(ctx, sensor); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	healthy = true
	result, err := e.EvaluateSensorWithRetry(ctx, sensor)
	if err != nil || !result.State.Success {
		t.Fatalf("recovery failed: %v %+v", err, result.State)
	}
	healthy = false
	if _, err := e.EvaluateSensorWithRetry(ctx, sensor); err != nil {
		t.Fatalf("post-recovery failure: %v", err)
	}
	if e.BreakerOpen("recovering") {
		t.Fatal("success in between should have reset the counters")
	}
}
