package engine

import (
	"fmt"
	"strings"
)

// FormulaSyntaxError reports malformed formula text together with the
// offending construct and its position.
type FormulaSyntaxError struct {
	Formula   string
	Construct string
	Position  int
	Detail    string
}

func (e *FormulaSyntaxError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("syntax error in %q: %s", e.Formula, e.Detail)
	}
	return fmt.Sprintf("syntax error in %q: unbalanced %s at position %d", e.Formula, e.Construct, e.Position)
}

// MissingDependencyError reports an entity or attribute that could not be
// resolved and is not covered by an alternate-state handler.
type MissingDependencyError struct {
	Name    string
	Formula string
}

func (e *MissingDependencyError) Error() string {
	if e.Formula != "" {
		return fmt.Sprintf("missing dependency %q in formula %q", e.Name, e.Formula)
	}
	return fmt.Sprintf("missing dependency %q", e.Name)
}

// DataValidationError reports a data-provider contract violation. It always
// fails the evaluation and is never retried because it indicates an
// integration bug rather than transient entity state.
type DataValidationError struct {
	EntityID string
	Reason   string
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("data provider violation for %q: %s", e.EntityID, e.Reason)
}

// CircularDependencyError reports a dependency cycle. Cycle lists the nodes
// in traversal order with the repeated node appearing twice.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// alternateStateSignal routes a degraded dependency state into handler
// evaluation. It never escapes the engine.
type alternateStateSignal struct {
	state        string
	dependencies []string
}

func (s *alternateStateSignal) Error() string {
	return fmt.Sprintf("alternate state %s", s.state)
}
