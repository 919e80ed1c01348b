package engine

import (
	"context"
	"errors"
	"sort"

	"synthetic_sensors/internal/config"
)

// EvaluationOrder returns the registered sensor keys sorted so every sensor
// comes after the sensors it references. Insertion order breaks ties. A
// cycle surfaces as a CircularDependencyError.
func (e *Engine) EvaluationOrder() ([]string, error) {
	e.mu.Lock()
	sensors := make([]*config.SensorConfig, 0, len(e.order))
	index := make(map[string]int, len(e.order))
	for i, key := range e.order {
		sensors = append(sensors, e.sensors[key])
		index[key] = i
	}
	e.mu.Unlock()

	byEntity := make(map[string]string, len(sensors))
	for _, sensor := range sensors {
		if sensor.EntityID != "" {
			byEntity[sensor.EntityID] = sensor.UniqueID
		}
	}

	inDegree := make(map[string]int, len(sensors))
	edges := make(map[string][]string, len(sensors))
	for _, sensor := range sensors {
		deps, err := e.extractSensorDependencies(sensor)
		if err != nil {
			return nil, err
		}
		for dep := range deps {
			producer := ""
			if _, ok := index[dep]; ok {
				producer = dep
			} else if key, ok := byEntity[dep]; ok {
				producer = key
			}
			if producer == "" || producer == sensor.UniqueID {
				continue
			}
			edges[producer] = append(edges[producer], sensor.UniqueID)
			inDegree[sensor.UniqueID]++
		}
	}

	queue := make([]string, 0, len(sensors))
	for _, sensor := range sensors {
		if inDegree[sensor.UniqueID] == 0 {
			queue = append(queue, sensor.UniqueID)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return index[queue[i]] < index[queue[j]] })

	ordered := make([]string, 0, len(sensors))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		ordered = append(ordered, key)
		next := edges[key]
		sort.Slice(next, func(i, j int) bool { return index[next[i]] < index[next[j]] })
		for _, succ := range next {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(ordered) != len(sensors) {
		if err := e.ValidateGraph(); err != nil {
			return nil, err
		}
		remaining := make([]string, 0)
		for key, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, key)
			}
		}
		sort.Strings(remaining)
		return nil, &CircularDependencyError{Cycle: append(remaining, remaining[0])}
	}
	return ordered, nil
}

// EvaluateAll evaluates every registered sensor in dependency order so
// cross-sensor references read fresh values. Evaluation continues past
// individual failures; the context cancels between sensors.
func (e *Engine) EvaluateAll(ctx context.Context) ([]SensorResult, error) {
	ordered, err := e.EvaluationOrder()
	if err != nil {
		return nil, err
	}
	results := make([]SensorResult, 0, len(ordered))
	for _, key := range ordered {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		e.mu.Lock()
		sensor := e.sensors[key]
		e.mu.Unlock()
		result, err := e.EvaluateSensorWithRetry(ctx, sensor)
		if err != nil && !errors.Is(err, ErrCircuitOpen) {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}
