package engine

import (
	"strconv"
	"strings"

	"synthetic_sensors/internal/config"
)

// Reported top-level evaluation states.
const (
	StateOK          = "ok"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// alternateResult maps a degraded validation outcome to either a configured
// handler branch or a graceful degraded result. Unavailable takes precedence
// over unknown for branch selection; the reported summary state normalizes
// to unknown while the per-dependency groups stay intact for diagnostics.
func (e *Engine) alternateResult(cfg *config.FormulaConfig, ectx *EvalContext, outcome ValidationOutcome) Result {
	state := SentinelUnknown
	if len(outcome.Unavailable) > 0 {
		state = SentinelUnavailable
	} else if len(outcome.None) > 0 && len(outcome.Unknown) == 0 {
		state = "none"
	}

	branch := cfg.AlternateStates.Branch(state)
	if branch == nil && state == SentinelUnavailable {
		// The summary state normalizes to unknown, so a configured unknown
		// branch covers unavailable dependencies when no dedicated
		// unavailable branch exists.
		branch = cfg.AlternateStates.Branch(SentinelUnknown)
	}
	if branch == nil {
		branch = cfg.AlternateStates.Branch("fallback")
	}
	if branch != nil {
		result := e.evaluateBranch(branch, cfg, ectx)
		result.UnavailableDependencies = outcome.Unavailable
		result.UnknownDependencies = outcome.Unknown
		return result
	}

	e.collector.IncEvaluation(cfg.ID, "degraded")
	return Result{
		Success:                 true,
		Value:                   nil,
		State:                   StateUnknown,
		UnavailableDependencies: outcome.Unavailable,
		UnknownDependencies:     outcome.Unknown,
	}
}

// missingResult applies the fallback branch to a fatally missing dependency
// or fails the evaluation when no handler covers it.
func (e *Engine) missingResult(cfg *config.FormulaConfig, ectx *EvalContext, missing []string) Result {
	if branch := cfg.AlternateStates.Branch("fallback"); branch != nil {
		result := e.evaluateBranch(branch, cfg, ectx)
		result.MissingDependencies = missing
		return result
	}
	err := &MissingDependencyError{Name: missing[0], Formula: cfg.Formula}
	e.collector.IncEvaluation(cfg.ID, "error")
	return Result{
		Success:             false,
		State:               StateUnavailable,
		Error:               err.Error(),
		MissingDependencies: missing,
		cause:               err,
	}
}

// evaluateBranch produces the branch's value. Literal branches are used
// verbatim; single-token formulas resolve without compilation; object-form
// branches re-enter the full pipeline with local variables merged over the
// parent scope.
func (e *Engine) evaluateBranch(branch *config.AlternateBranch, cfg *config.FormulaConfig, ectx *EvalContext) Result {
	if !branch.HasFormula() {
		value := branch.Literal
		if cfg.Type != "" && value != nil {
			converted, err := convertValue(cfg.Type, value)
			if err != nil {
				return Result{Success: false, State: StateUnavailable, Error: err.Error()}
			}
			value = converted
		}
		e.collector.IncEvaluation(cfg.ID, "fallback")
		return Result{Success: true, Value: value, State: StateOK}
	}

	if token, ok := singleToken(branch.Formula); ok {
		if value, resolved := e.resolveSingleToken(token, branch, cfg, ectx); resolved {
			e.collector.IncEvaluation(cfg.ID, "fallback")
			return Result{Success: true, Value: value, State: StateOK}
		}
	}

	derived := &config.FormulaConfig{
		ID:        cfg.ID,
		Formula:   branch.Formula,
		Type:      cfg.Type,
		Variables: mergeVariables(cfg.Variables, branch.Variables),
	}
	return e.EvaluateFormula(derived, ectx)
}

// singleToken reports whether the text is a single identifier or numeric
// literal, the ahead-of-evaluation fast path for handler branches.
func singleToken(text string) (string, bool) {
	token := strings.TrimSpace(text)
	if token == "" {
		return "", false
	}
	if _, err := strconv.ParseFloat(token, 64); err == nil {
		return token, true
	}
	for idx, r := range token {
		first := idx == 0
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case !first && (r >= '0' && r <= '9'):
		default:
			return "", false
		}
	}
	return token, true
}

func (e *Engine) resolveSingleToken(token string, branch *config.AlternateBranch, cfg *config.FormulaConfig, ectx *EvalContext) (interface{}, bool) {
	if value, err := strconv.ParseFloat(token, 64); err == nil {
		return value, true
	}
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case stateToken:
		if ectx.IsAttribute {
			return ectx.StateValue, true
		}
		return nil, false
	}
	rctx := newResolutionContext(e, cfg, ectx)
	rctx.variables = mergeVariables(cfg.Variables, branch.Variables)
	ref, err := e.resolveName(token, rctx)
	if err != nil {
		return nil, false
	}
	return ref.Value, true
}
