package engine

// ProviderResult is what a data provider reports for one entity. Exists
// false and a nil value with Exists true are valid soft signals; a missing
// result altogether is a contract violation.
type ProviderResult struct {
	Value      interface{}
	Exists     bool
	Attributes map[string]interface{}
}

// DataProvider gives direct access to an owning integration's entity values,
// bypassing the generic host state accessor. Implementations must return a
// non-nil result for every queried entity id.
type DataProvider func(entityID string) *ProviderResult

// EntityState is the host platform's view of an entity. A nil result from
// the accessor means the entity does not exist.
type EntityState struct {
	State      string
	Attributes map[string]interface{}
}

// StateAccessor reads entity state from the host platform.
type StateAccessor func(entityID string) *EntityState

// Host-platform sentinel states. They are preserved through resolution and
// handled as degraded-but-graceful outcomes rather than hard failures.
const (
	SentinelUnavailable = "unavailable"
	SentinelUnknown     = "unknown"
)
