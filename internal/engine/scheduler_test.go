package engine

import (
	"context"
	"errors"
	"testing"

	"synthetic_sensors/internal/config"
)

func TestEvaluationOrderFollowsDependencies(t *testing.T) {
	e := newTestEngine(nil, nil)
	b := &config.SensorConfig{UniqueID: "B", Formula: config.FormulaConfig{ID: "B", Formula: "A * 1.1"}}
	a := &config.SensorConfig{UniqueID: "A", Formula: config.FormulaConfig{ID: "A", Formula: "1000"}}

	// Insertion order is B first; dependency order must still put A first.
	if err := e.AddSensor(b); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if err := e.AddSensor(a); err != nil {
		t.Fatalf("add A: %v", err)
	}

	order, err := e.EvaluationOrder()
	if err != nil {
		t.Fatalf("evaluation order: %v", err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestEvaluationOrderDetectsCycle(t *testing.T) {
	e := newTestEngine(nil, nil)
	x := &config.SensorConfig{UniqueID: "x", Formula: config.FormulaConfig{ID: "x", Formula: "y + 1"}}
	y := &config.SensorConfig{UniqueID: "y", Formula: config.FormulaConfig{ID: "y", Formula: "x + 1"}}
	if err := e.AddSensor(x); err != nil {
		t.Fatalf("add x: %v", err)
	}
	if err := e.AddSensor(y); err != nil {
		t.Fatalf("add y: %v", err)
	}

	_, err := e.EvaluationOrder()
	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
	if !containsAll(cycle.Cycle, "x", "y") {
		t.Fatalf("cycle %v should name both sensors", cycle.Cycle)
	}
}

func TestEvaluateAllComputesDependentsFresh(t *testing.T) {
	e := newTestEngine(nil, nil)
	b := &config.SensorConfig{UniqueID: "B", Formula: config.FormulaConfig{ID: "B", Formula: "A * 1.1"}}
	a := &config.SensorConfig{UniqueID: "A", Formula: config.FormulaConfig{ID: "A", Formula: "1000"}}
	if err := e.AddSensor(b); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if err := e.AddSensor(a); err != nil {
		t.Fatalf("add A: %v", err)
	}

	results, err := e.EvaluateAll(context.Background())
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].Key != "A" || results[1].Key != "B" {
		t.Fatalf("unexpected result order %v, %v", results[0].Key, results[1].Key)
	}
	if !results[1].State.Success {
		t.Fatalf("B failed: %+v", results[1].State)
	}
	requireFloat(t, results[1].State.Value, 1100)
}

func TestEvaluateAllHonorsContext(t *testing.T) {
	e := newTestEngine(nil, nil)
	a := &config.SensorConfig{UniqueID: "A", Formula: config.FormulaConfig{ID: "A", Formula: "1"}}
	if err := e.AddSensor(a); err != nil {
		t.Fatalf("add A: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.EvaluateAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
