package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// stateToken is the reserved formula token that binds to the backing entity
// in main formulas and to the sensor's own computed value in attribute
// formulas.
const stateToken = "state"

// FormulaAnalysis is the parsed surface of a formula: which names it reads,
// which functions it calls and whether it uses the state token. It is a pure
// function of the formula text.
type FormulaAnalysis struct {
	Formula         string
	Variables       []string
	EntityRefs      []string
	StateAttributes []string
	FunctionCalls   []string
	HasStateToken   bool
	BareStateToken  bool
}

// Dependencies returns variables and entity references minus the bare state
// token. String-literal arguments never appear because they are not
// identifiers in the parsed tree.
func (a *FormulaAnalysis) Dependencies() map[string]struct{} {
	deps := make(map[string]struct{}, len(a.Variables)+len(a.EntityRefs))
	for _, name := range a.Variables {
		if name == stateToken {
			continue
		}
		deps[name] = struct{}{}
	}
	for _, ref := range a.EntityRefs {
		deps[ref] = struct{}{}
	}
	return deps
}

// analyzer caches formula analyses by exact formula text.
type analyzer struct {
	mu      sync.RWMutex
	entries map[string]*FormulaAnalysis
}

func newAnalyzer() *analyzer {
	return &analyzer{entries: make(map[string]*FormulaAnalysis)}
}

// Analyze parses the formula and extracts its references, memoizing the
// result. Malformed input yields a *FormulaSyntaxError.
func (a *analyzer) Analyze(formula string) (*FormulaAnalysis, error) {
	a.mu.RLock()
	cached, ok := a.entries[formula]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := checkBalanced(formula); err != nil {
		return nil, err
	}
	tree, err := parser.Parse(formula)
	if err != nil {
		return nil, &FormulaSyntaxError{Formula: formula, Detail: err.Error()}
	}

	collector := &referenceCollector{
		variables:  make(map[string]struct{}),
		entityRefs: make(map[string]struct{}),
		stateAttrs: make(map[string]struct{}),
		functions:  make(map[string]struct{}),
	}
	collector.walk(tree.Node)

	analysis := &FormulaAnalysis{
		Formula:         formula,
		Variables:       sortedKeys(collector.variables),
		EntityRefs:      sortedKeys(collector.entityRefs),
		StateAttributes: sortedKeys(collector.stateAttrs),
		FunctionCalls:   sortedKeys(collector.functions),
		HasStateToken:   collector.hasState,
		BareStateToken:  collector.bareState,
	}

	a.mu.Lock()
	a.entries[formula] = analysis
	a.mu.Unlock()
	return analysis, nil
}

func (a *analyzer) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

type referenceCollector struct {
	variables  map[string]struct{}
	entityRefs map[string]struct{}
	stateAttrs map[string]struct{}
	functions  map[string]struct{}
	hasState   bool
	bareState  bool
}

// walk descends the expression tree explicitly so that member chains are
// recorded as one dotted reference instead of their individual segments.
func (c *referenceCollector) walk(node ast.Node) {
	switch n := node.(type) {
	case nil:
	case *ast.IdentifierNode:
		if n.Value == stateToken {
			c.hasState = true
			c.bareState = true
			return
		}
		c.variables[n.Value] = struct{}{}
	case *ast.MemberNode:
		if path, ok := memberPath(n); ok {
			c.recordPath(path)
			return
		}
		c.walk(n.Node)
		c.walk(n.Property)
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.functions[callee.Value] = struct{}{}
		} else {
			c.walk(n.Callee)
		}
		for _, arg := range n.Arguments {
			c.walk(arg)
		}
	case *ast.BuiltinNode:
		c.functions[n.Name] = struct{}{}
		for _, arg := range n.Arguments {
			c.walk(arg)
		}
	case *ast.UnaryNode:
		c.walk(n.Node)
	case *ast.BinaryNode:
		c.walk(n.Left)
		c.walk(n.Right)
	case *ast.ConditionalNode:
		c.walk(n.Cond)
		c.walk(n.Exp1)
		c.walk(n.Exp2)
	case *ast.ChainNode:
		c.walk(n.Node)
	case *ast.SliceNode:
		c.walk(n.Node)
		c.walk(n.From)
		c.walk(n.To)
	case *ast.ArrayNode:
		for _, item := range n.Nodes {
			c.walk(item)
		}
	case *ast.MapNode:
		for _, pair := range n.Pairs {
			c.walk(pair)
		}
	case *ast.PairNode:
		c.walk(n.Key)
		c.walk(n.Value)
	case *ast.ClosureNode:
		c.walk(n.Node)
	default:
		// Literals and pointer placeholders carry no references.
	}
}

func (c *referenceCollector) recordPath(path string) {
	if path == stateToken {
		c.hasState = true
		return
	}
	if strings.HasPrefix(path, stateToken+".") {
		c.hasState = true
		c.stateAttrs[path] = struct{}{}
		return
	}
	c.entityRefs[path] = struct{}{}
}

// memberPath flattens a chain of property accesses rooted at an identifier
// into a dotted reference. Dynamic property access does not qualify.
func memberPath(node ast.Node) (string, bool) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		return n.Value, true
	case *ast.MemberNode:
		base, ok := memberPath(n.Node)
		if !ok {
			return "", false
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return "", false
		}
		return base + "." + prop.Value, true
	default:
		return "", false
	}
}

// checkBalanced validates parentheses and quotes ahead of the parser so that
// syntax errors name the offending construct and its byte position.
func checkBalanced(formula string) error {
	var opens []int
	quote := byte(0)
	quoteStart := -1
	for i := 0; i < len(formula); i++ {
		ch := formula[i]
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
			quoteStart = i
		case '(':
			opens = append(opens, i)
		case ')':
			if len(opens) == 0 {
				return &FormulaSyntaxError{Formula: formula, Construct: "parenthesis", Position: i}
			}
			opens = opens[:len(opens)-1]
		}
	}
	if quote != 0 {
		return &FormulaSyntaxError{Formula: formula, Construct: "quote", Position: quoteStart}
	}
	if len(opens) > 0 {
		return &FormulaSyntaxError{Formula: formula, Construct: "parenthesis", Position: opens[len(opens)-1]}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
