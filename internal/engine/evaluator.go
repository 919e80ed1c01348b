package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"synthetic_sensors/internal/config"
)

// handlerKind selects how the substituted formula text is evaluated and how
// its result is coerced.
type handlerKind string

const (
	handlerNumeric  handlerKind = "numeric"
	handlerBoolean  handlerKind = "boolean"
	handlerString   handlerKind = "string"
	handlerMetadata handlerKind = "metadata"
	handlerGeneral  handlerKind = "general"
)

var booleanOperators = []string{"==", "!=", "<=", ">=", "<", ">", "&&", "||", " and ", " or ", " not ", "!"}

var stringFunctions = map[string]struct{}{
	"upper": {}, "lower": {}, "trim": {}, "replace": {}, "split": {},
	"trimPrefix": {}, "trimSuffix": {}, "hasPrefix": {}, "hasSuffix": {},
}

var numericFunctions = map[string]struct{}{
	"abs": {}, "ceil": {}, "floor": {}, "round": {}, "min": {}, "max": {},
	"clamp": {}, "roundTo": {}, "percent": {},
}

// classifyFormula inspects operators and function names to route the text
// to a typed handler. Unclaimed formulas fall back to the restricted
// general evaluator.
func classifyFormula(analysis *FormulaAnalysis) handlerKind {
	for _, fn := range analysis.FunctionCalls {
		if fn == "metadata" {
			return handlerMetadata
		}
	}
	text := analysis.Formula
	for _, op := range booleanOperators {
		if strings.Contains(text, op) {
			return handlerBoolean
		}
	}
	for _, fn := range analysis.FunctionCalls {
		if _, ok := stringFunctions[fn]; ok {
			return handlerString
		}
	}
	for _, fn := range analysis.FunctionCalls {
		if _, ok := numericFunctions[fn]; ok {
			return handlerNumeric
		}
	}
	if strings.ContainsAny(text, "+-*/%") {
		return handlerNumeric
	}
	return handlerGeneral
}

// evaluateText compiles (through the compilation cache) and runs the
// substituted formula, then coerces the result per handler kind.
func (e *Engine) evaluateText(text string, kind handlerKind, env map[string]interface{}) (interface{}, error) {
	program, ok := e.compilations.Get(text)
	if ok {
		e.collector.IncCacheHit("compilation")
	} else {
		e.collector.IncCacheMiss("compilation")
		compiled, err := expr.Compile(text, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, &FormulaSyntaxError{Formula: text, Detail: err.Error()}
		}
		e.compilations.Put(text, compiled)
		program = compiled
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run formula: %w", err)
	}

	switch kind {
	case handlerNumeric:
		return convertFloatValue(out)
	case handlerBoolean:
		return convertValue(config.ValueKindBool, out)
	case handlerString:
		s, okStr := out.(string)
		if !okStr {
			return nil, fmt.Errorf("expected string result, got %T", out)
		}
		return s, nil
	default:
		return out, nil
	}
}

// injectFunctions adds the fixed helper library to the evaluation
// environment. Everything beyond this set comes from expr's builtins.
func injectFunctions(env map[string]interface{}) {
	if _, ok := env["clamp"]; !ok {
		env["clamp"] = func(value, low, high interface{}) (float64, error) {
			v, err := convertFloatValue(value)
			if err != nil {
				return 0, err
			}
			lo, err := convertFloatValue(low)
			if err != nil {
				return 0, err
			}
			hi, err := convertFloatValue(high)
			if err != nil {
				return 0, err
			}
			return math.Max(lo, math.Min(hi, v)), nil
		}
	}
	if _, ok := env["roundTo"]; !ok {
		env["roundTo"] = func(value, digits interface{}) (float64, error) {
			v, err := convertFloatValue(value)
			if err != nil {
				return 0, err
			}
			d, err := convertFloatValue(digits)
			if err != nil {
				return 0, err
			}
			scale := math.Pow(10, d)
			return math.Round(v*scale) / scale, nil
		}
	}
	if _, ok := env["percent"]; !ok {
		env["percent"] = func(part, whole interface{}) (float64, error) {
			p, err := convertFloatValue(part)
			if err != nil {
				return 0, err
			}
			w, err := convertFloatValue(whole)
			if err != nil {
				return 0, err
			}
			if w == 0 {
				return 0, nil
			}
			return p / w * 100, nil
		}
	}
}

// rewriteMetadataCalls replaces every metadata(...) call with a placeholder
// identifier bound in the environment, so the compiled program never parses
// metadata arguments a second time. The string-literal key argument never
// becomes a dependency.
func (e *Engine) rewriteMetadataCalls(text string, rctx *resolutionContext) (string, map[string]interface{}, error) {
	placeholders := make(map[string]interface{})
	var builder strings.Builder
	counter := 0
	idx := 0
	for idx < len(text) {
		call := strings.Index(text[idx:], "metadata")
		if call < 0 {
			builder.WriteString(text[idx:])
			break
		}
		call += idx
		if !isCallBoundary(text, call, len("metadata")) {
			builder.WriteString(text[idx : call+len("metadata")])
			idx = call + len("metadata")
			continue
		}
		open := call + len("metadata")
		for open < len(text) && text[open] == ' ' {
			open++
		}
		if open >= len(text) || text[open] != '(' {
			builder.WriteString(text[idx : call+len("metadata")])
			idx = call + len("metadata")
			continue
		}
		closing, err := matchParen(text, open)
		if err != nil {
			return "", nil, &FormulaSyntaxError{Formula: text, Construct: "parenthesis", Position: open}
		}
		value, err := e.metadataValue(text[open+1:closing], rctx)
		if err != nil {
			return "", nil, err
		}
		placeholder := fmt.Sprintf("__meta%d", counter)
		counter++
		placeholders[placeholder] = value
		builder.WriteString(text[idx:call])
		builder.WriteString(placeholder)
		idx = closing + 1
	}
	return builder.String(), placeholders, nil
}

// isCallBoundary reports whether text[pos:pos+width] stands alone as an
// identifier rather than inside a longer one.
func isCallBoundary(text string, pos, width int) bool {
	if pos > 0 {
		prev := text[pos-1]
		if prev == '_' || prev == '.' || isAlphaNum(prev) {
			return false
		}
	}
	end := pos + width
	if end < len(text) {
		next := text[end]
		if next == '_' || isAlphaNum(next) {
			return false
		}
	}
	return true
}

func isAlphaNum(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// matchParen finds the closing parenthesis for the opener at open,
// respecting nesting and quoted strings.
func matchParen(text string, open int) (int, error) {
	depth := 0
	quote := byte(0)
	for i := open; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parenthesis at %d", open)
}

// metadataValue computes the out-of-band result of one metadata call. The
// first argument names an entity directly or through a bound variable; the
// second is the quoted metadata key.
func (e *Engine) metadataValue(args string, rctx *resolutionContext) (interface{}, error) {
	parts := splitTopLevel(args)
	if len(parts) != 2 {
		return nil, &FormulaSyntaxError{Formula: args, Detail: "metadata expects (reference, key)"}
	}
	target := strings.TrimSpace(parts[0])
	key := strings.Trim(strings.TrimSpace(parts[1]), "'\"")

	entityID := target
	if binding, bound := rctx.variables[target]; bound && binding.IsEntity() {
		entityID = binding.EntityID
	} else if !strings.Contains(target, ".") {
		if id, ok := e.registry.EntityID(target); ok && id != "" {
			entityID = id
		}
	}

	domain, object, _ := strings.Cut(entityID, ".")
	switch key {
	case "entity_id":
		return entityID, nil
	case "domain":
		return domain, nil
	case "object_id":
		return object, nil
	default:
		attributes, err := e.entityAttributes(entityID)
		if err != nil {
			return nil, err
		}
		value, ok := lookupAttributePath(attributes, strings.Split(key, "."))
		if !ok {
			return nil, &MissingDependencyError{Name: entityID + "." + key}
		}
		return value, nil
	}
}

// splitTopLevel splits a call argument list on commas outside parentheses
// and quotes.
func splitTopLevel(args string) []string {
	var parts []string
	depth := 0
	quote := byte(0)
	last := 0
	for i := 0; i < len(args); i++ {
		ch := args[i]
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, args[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, args[last:])
	return parts
}
