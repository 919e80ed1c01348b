package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/expr-lang/expr/vm"
)

// CacheStats reports hit/miss counters and the current entry count of a
// cache.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// CompilationCache holds compiled programs keyed by the content hash of the
// exact formula text. Entries are shared across sensors with identical
// formulas and persist until cleared.
type CompilationCache struct {
	mu       sync.RWMutex
	programs map[uint64]*vm.Program
	hits     uint64
	misses   uint64
}

// NewCompilationCache returns an empty compilation cache.
func NewCompilationCache() *CompilationCache {
	return &CompilationCache{programs: make(map[uint64]*vm.Program)}
}

func formulaHash(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Get returns the compiled program for the formula text, if present.
func (c *CompilationCache) Get(text string) (*vm.Program, bool) {
	key := formulaHash(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	program, ok := c.programs[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return program, ok
}

// Put stores a compiled program under the formula text.
func (c *CompilationCache) Put(text string, program *vm.Program) {
	key := formulaHash(text)
	c.mu.Lock()
	c.programs[key] = program
	c.mu.Unlock()
}

// Clear drops every compiled program. Hit counters survive.
func (c *CompilationCache) Clear() {
	c.mu.Lock()
	c.programs = make(map[uint64]*vm.Program)
	c.mu.Unlock()
}

// Stats reports the cache counters.
func (c *CompilationCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.programs)}
}

type resultKey struct {
	formula     uint64
	fingerprint uint64
}

type cachedResult struct {
	value interface{}
	state string
}

// ResultCache memoizes evaluation outcomes keyed by formula identity plus a
// fingerprint of every resolved input value. The fingerprint is what keeps
// sensors sharing formula text but differing context from seeing each
// other's results.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[resultKey]cachedResult
	hits    uint64
	misses  uint64
}

// NewResultCache returns an empty result cache.
func NewResultCache() *ResultCache {
	return &ResultCache{entries: make(map[resultKey]cachedResult)}
}

// Fingerprint folds the resolved environment into a stable hash. Keys are
// visited in sorted order; nested maps flatten with their path prefix.
func Fingerprint(env map[string]interface{}) uint64 {
	digest := xxhash.New()
	writeFingerprint(digest, "", env)
	return digest.Sum64()
}

func writeFingerprint(digest *xxhash.Digest, prefix string, env map[string]interface{}) {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch value := env[key].(type) {
		case map[string]interface{}:
			writeFingerprint(digest, path, value)
		default:
			_, _ = digest.WriteString(path)
			_, _ = digest.WriteString("=")
			_, _ = digest.WriteString(fmt.Sprintf("%T:%v;", value, value))
		}
	}
}

// Get looks up a memoized result for the formula and fingerprint.
func (c *ResultCache) Get(formula string, fingerprint uint64) (interface{}, string, bool) {
	key := resultKey{formula: formulaHash(formula), fingerprint: fingerprint}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if ok {
		c.hits++
		return entry.value, entry.state, true
	}
	c.misses++
	return nil, "", false
}

// Put memoizes an evaluation outcome.
func (c *ResultCache) Put(formula string, fingerprint uint64, value interface{}, state string) {
	key := resultKey{formula: formulaHash(formula), fingerprint: fingerprint}
	c.mu.Lock()
	c.entries[key] = cachedResult{value: value, state: state}
	c.mu.Unlock()
}

// InvalidateFormula drops every memoized result for one formula text.
func (c *ResultCache) InvalidateFormula(formula string) {
	hash := formulaHash(formula)
	c.mu.Lock()
	for key := range c.entries {
		if key.formula == hash {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Clear drops every memoized result. The compilation cache is unaffected
// because the two caches share no storage.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[resultKey]cachedResult)
	c.mu.Unlock()
}

// Stats reports the cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}
