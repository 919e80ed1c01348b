package engine

import (
	"errors"
	"testing"
)

func TestAnalyzeCollectsReferences(t *testing.T) {
	a := newAnalyzer()
	analysis, err := a.Analyze("temp + sensor.kitchen_temp * factor")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := analysis.Variables; len(got) != 2 || got[0] != "factor" || got[1] != "temp" {
		t.Fatalf("unexpected variables %v", got)
	}
	if got := analysis.EntityRefs; len(got) != 1 || got[0] != "sensor.kitchen_temp" {
		t.Fatalf("unexpected entity refs %v", got)
	}
	if analysis.HasStateToken {
		t.Fatal("formula has no state token")
	}
}

func TestAnalyzeStateToken(t *testing.T) {
	a := newAnalyzer()

	analysis, err := a.Analyze("state * 2")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !analysis.HasStateToken || !analysis.BareStateToken {
		t.Fatalf("bare state token not detected: %+v", analysis)
	}

	analysis, err = a.Analyze("state.battery_level / 100")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !analysis.HasStateToken || analysis.BareStateToken {
		t.Fatalf("attribute-only state usage misclassified: %+v", analysis)
	}
	if len(analysis.StateAttributes) != 1 || analysis.StateAttributes[0] != "state.battery_level" {
		t.Fatalf("unexpected state attributes %v", analysis.StateAttributes)
	}
	if len(analysis.EntityRefs) != 0 {
		t.Fatalf("state attributes must not appear as entity refs: %v", analysis.EntityRefs)
	}
}

func TestAnalyzeMetadataStringArgumentIsNotADependency(t *testing.T) {
	a := newAnalyzer()
	analysis, err := a.Analyze("metadata(sensor.kitchen_temp, 'domain')")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	deps := analysis.Dependencies()
	if _, ok := deps["domain"]; ok {
		t.Fatal("string literal 'domain' leaked into the dependency set")
	}
	if _, ok := deps["sensor.kitchen_temp"]; !ok {
		t.Fatalf("entity argument missing from dependencies: %v", deps)
	}
	if len(analysis.FunctionCalls) != 1 || analysis.FunctionCalls[0] != "metadata" {
		t.Fatalf("unexpected function calls %v", analysis.FunctionCalls)
	}
}

func TestAnalyzeMemoizesByText(t *testing.T) {
	a := newAnalyzer()
	first, err := a.Analyze("x + 1")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	second, err := a.Analyze("x + 1")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if first != second {
		t.Fatal("expected the memoized analysis instance")
	}
	if a.len() != 1 {
		t.Fatalf("unexpected cache size %d", a.len())
	}
}

func TestAnalyzeReportsUnbalancedConstructs(t *testing.T) {
	a := newAnalyzer()

	_, err := a.Analyze("(a + b")
	var syntax *FormulaSyntaxError
	if !errors.As(err, &syntax) {
		t.Fatalf("expected syntax error, got %v", err)
	}
	if syntax.Construct != "parenthesis" || syntax.Position != 0 {
		t.Fatalf("unexpected construct report %+v", syntax)
	}

	_, err = a.Analyze("upper('abc")
	if !errors.As(err, &syntax) {
		t.Fatalf("expected syntax error, got %v", err)
	}
	if syntax.Construct != "quote" || syntax.Position != 6 {
		t.Fatalf("unexpected construct report %+v", syntax)
	}
}

func TestDependenciesExcludeBareState(t *testing.T) {
	a := newAnalyzer()
	analysis, err := a.Analyze("state + offset")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	deps := analysis.Dependencies()
	if _, ok := deps["state"]; ok {
		t.Fatal("bare state token must not be a dependency")
	}
	if _, ok := deps["offset"]; !ok {
		t.Fatalf("offset missing from dependencies: %v", deps)
	}
}
