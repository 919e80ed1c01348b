package engine

import (
	"fmt"
	"sort"
	"strings"

	"synthetic_sensors/internal/config"
)

// depGraph is a directed dependency graph over sensor or variable names.
type depGraph struct {
	nodes map[string]struct{}
	edges map[string][]string
}

func newDepGraph() *depGraph {
	return &depGraph{
		nodes: make(map[string]struct{}),
		edges: make(map[string][]string),
	}
}

func (g *depGraph) addNode(name string) {
	g.nodes[name] = struct{}{}
}

func (g *depGraph) addEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// detectCycle runs a DFS per starting node tracking the current path. The
// moment a path-resident node recurs the cycle is returned with that node
// listed twice for diagnostics.
func (g *depGraph) detectCycle() *CircularDependencyError {
	starts := make([]string, 0, len(g.nodes))
	for node := range g.nodes {
		starts = append(starts, node)
	}
	sort.Strings(starts)

	done := make(map[string]bool, len(g.nodes))
	for _, start := range starts {
		if cycle := g.visit(start, done, make(map[string]bool), nil); cycle != nil {
			return &CircularDependencyError{Cycle: cycle}
		}
	}
	return nil
}

func (g *depGraph) visit(node string, done, onPath map[string]bool, path []string) []string {
	if onPath[node] {
		for idx, name := range path {
			if name == node {
				cycle := make([]string, 0, len(path)-idx+1)
				cycle = append(cycle, path[idx:]...)
				return append(cycle, node)
			}
		}
		return []string{node, node}
	}
	if done[node] {
		return nil
	}
	onPath[node] = true
	path = append(path, node)
	next := append([]string(nil), g.edges[node]...)
	sort.Strings(next)
	for _, succ := range next {
		if cycle := g.visit(succ, done, onPath, path); cycle != nil {
			return cycle
		}
	}
	onPath[node] = false
	done[node] = true
	return nil
}

// validateSensorGraph checks sensor-to-sensor references for cycles before
// any sensor is created. References by sensor key and by a sensor's entity
// id both create edges. The state token inside attribute formulas never
// points back at the owner.
func (e *Engine) validateSensorGraph(sensors []config.SensorConfig) error {
	byKey := make(map[string]struct{}, len(sensors))
	byEntity := make(map[string]string, len(sensors))
	for i := range sensors {
		byKey[sensors[i].UniqueID] = struct{}{}
		if sensors[i].EntityID != "" {
			byEntity[sensors[i].EntityID] = sensors[i].UniqueID
		}
	}

	graph := newDepGraph()
	for i := range sensors {
		sensor := &sensors[i]
		graph.addNode(sensor.UniqueID)
		deps, err := e.extractSensorDependencies(sensor)
		if err != nil {
			return err
		}
		for dep := range deps {
			target := ""
			if _, ok := byKey[dep]; ok {
				target = dep
			} else if key, ok := byEntity[dep]; ok {
				target = key
			}
			if target == "" {
				continue
			}
			if target == sensor.UniqueID && !mainFormulaReferences(e, sensor, dep) {
				// Attribute-only self reference resolves to the state
				// binding, not a registry lookup.
				continue
			}
			graph.addEdge(sensor.UniqueID, target)
		}
	}
	if cycle := graph.detectCycle(); cycle != nil {
		return cycle
	}
	return nil
}

// mainFormulaReferences reports whether the sensor's main formula itself
// names the dependency. Self references are only cyclic from the main
// formula; attribute formulas read the already-computed state.
func mainFormulaReferences(e *Engine, sensor *config.SensorConfig, dep string) bool {
	deps := make(map[string]struct{})
	if err := e.collectDependencies(sensor.Formula.Formula, sensor.Formula.Variables, deps, make(map[string]struct{})); err != nil {
		return false
	}
	_, ok := deps[dep]
	return ok
}

// validateVariableGraph checks the computed variables of one formula for
// reference cycles among themselves. The state token is exempt.
func (e *Engine) validateVariableGraph(cfg *config.FormulaConfig) error {
	graph := newDepGraph()
	for name, binding := range cfg.Variables {
		graph.addNode(name)
		if !binding.IsComputed() {
			continue
		}
		analysis, err := e.analyzer.Analyze(binding.Computed.Formula)
		if err != nil {
			return fmt.Errorf("computed variable %s: %w", name, err)
		}
		for _, ref := range analysis.Variables {
			if ref == stateToken {
				continue
			}
			if _, local := binding.Computed.Variables[ref]; local && ref != name {
				// Shadowed by the computed variable's own scope.
				continue
			}
			if _, inParent := cfg.Variables[ref]; !inParent {
				continue
			}
			graph.addEdge(name, ref)
		}
	}
	if cycle := graph.detectCycle(); cycle != nil {
		return cycle
	}
	return nil
}

// handlerStates is the fixed node order for alternate-state handler graphs.
var handlerStates = []string{"unavailable", "unknown", "none", "fallback"}

// validateHandlerGraph treats the four handler branches as nodes with an
// edge whenever one branch's literal names another configured branch's
// state constant, then runs the same DFS. The error lists the branches in
// cycle order.
func validateHandlerGraph(states *config.AlternateStates) error {
	if states == nil {
		return nil
	}
	graph := newDepGraph()
	for _, name := range handlerStates {
		branch := states.Branch(name)
		if branch == nil {
			continue
		}
		graph.addNode(name)
		literal, ok := branch.Literal.(string)
		if !ok {
			continue
		}
		target := strings.ToLower(strings.TrimSpace(literal))
		if states.Branch(target) != nil {
			graph.addEdge(name, target)
		}
	}
	if cycle := graph.detectCycle(); cycle != nil {
		return cycle
	}
	return nil
}
