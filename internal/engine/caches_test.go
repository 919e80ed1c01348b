package engine

import (
	"testing"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

func compileForTest(t *testing.T, text string) *vm.Program {
	t.Helper()
	program, err := expr.Compile(text, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		t.Fatalf("compile %q: %v", text, err)
	}
	return program
}

func TestCompilationCacheRoundTrip(t *testing.T) {
	cache := NewCompilationCache()

	if _, ok := cache.Get("a + b"); ok {
		t.Fatal("empty cache should miss")
	}
	compiled := compileForTest(t, "a + b")
	cache.Put("a + b", compiled)

	program, ok := cache.Get("a + b")
	if !ok || program != compiled {
		t.Fatal("expected the stored program")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	cache.Clear()
	if cache.Stats().Entries != 0 {
		t.Fatal("clear should drop entries")
	}
}

func TestResultCacheFingerprintSeparation(t *testing.T) {
	cache := NewResultCache()

	envA := map[string]interface{}{"x": 1.0}
	envB := map[string]interface{}{"x": 2.0}
	fpA := Fingerprint(envA)
	fpB := Fingerprint(envB)
	if fpA == fpB {
		t.Fatal("different inputs must fingerprint differently")
	}

	cache.Put("x * 2", fpA, 2.0, StateOK)
	if _, _, ok := cache.Get("x * 2", fpB); ok {
		t.Fatal("fingerprint mismatch should miss")
	}
	value, state, ok := cache.Get("x * 2", fpA)
	if !ok || value != 2.0 || state != StateOK {
		t.Fatalf("unexpected cached entry %v %q %v", value, state, ok)
	}
}

func TestFingerprintNestedMaps(t *testing.T) {
	envA := map[string]interface{}{
		"sensor": map[string]interface{}{"power": 10.0},
	}
	envB := map[string]interface{}{
		"sensor": map[string]interface{}{"power": 11.0},
	}
	if Fingerprint(envA) == Fingerprint(envB) {
		t.Fatal("nested value changes must change the fingerprint")
	}
	if Fingerprint(envA) != Fingerprint(map[string]interface{}{
		"sensor": map[string]interface{}{"power": 10.0},
	}) {
		t.Fatal("identical environments must fingerprint identically")
	}
}

func TestResultCacheInvalidateFormula(t *testing.T) {
	cache := NewResultCache()
	cache.Put("a + 1", 1, 2.0, StateOK)
	cache.Put("a + 1", 2, 3.0, StateOK)
	cache.Put("b + 1", 1, 9.0, StateOK)

	cache.InvalidateFormula("a + 1")
	if _, _, ok := cache.Get("a + 1", 1); ok {
		t.Fatal("invalidated entry survived")
	}
	if _, _, ok := cache.Get("a + 1", 2); ok {
		t.Fatal("invalidated entry survived")
	}
	if _, _, ok := cache.Get("b + 1", 1); !ok {
		t.Fatal("unrelated formula was invalidated")
	}
}
