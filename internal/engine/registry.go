package engine

import (
	"sort"
	"sync"
)

// SensorRegistry holds the last computed value and the assigned entity id
// per sensor key. Reads are concurrent, writes are atomic per key.
type SensorRegistry struct {
	mu       sync.RWMutex
	values   map[string]interface{}
	hasValue map[string]bool
	entities map[string]string
	byEntity map[string]string
}

// NewSensorRegistry returns an empty registry.
func NewSensorRegistry() *SensorRegistry {
	return &SensorRegistry{
		values:   make(map[string]interface{}),
		hasValue: make(map[string]bool),
		entities: make(map[string]string),
		byEntity: make(map[string]string),
	}
}

// Register assigns an entity id to a sensor key.
func (r *SensorRegistry) Register(key, entityID string) {
	r.mu.Lock()
	if previous, ok := r.entities[key]; ok {
		delete(r.byEntity, previous)
	}
	r.entities[key] = entityID
	if entityID != "" {
		r.byEntity[entityID] = key
	}
	r.mu.Unlock()
}

// SetValue stores the last computed value for a sensor key.
func (r *SensorRegistry) SetValue(key string, value interface{}) {
	r.mu.Lock()
	r.values[key] = value
	r.hasValue[key] = true
	r.mu.Unlock()
}

// Value returns the last computed value for a sensor key.
func (r *SensorRegistry) Value(key string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasValue[key] {
		return nil, false
	}
	return r.values[key], true
}

// EntityID returns the entity id assigned to a sensor key.
func (r *SensorRegistry) EntityID(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.entities[key]
	return id, ok
}

// KeyForEntity maps an assigned entity id back to its sensor key.
func (r *SensorRegistry) KeyForEntity(entityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byEntity[entityID]
	return key, ok
}

// Keys lists the registered sensor keys in sorted order.
func (r *SensorRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entities))
	for key := range r.entities {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CrossSensorManager tracks which sensor keys are referenced by name from
// other sensors' formulas and which of them already completed registration.
// Completion callbacks fire once every referenced key has an entity id.
type CrossSensorManager struct {
	mu         sync.Mutex
	known      map[string]struct{}
	referenced map[string]map[string]struct{}
	pending    map[string]struct{}
	completed  map[string]string
	callbacks  []func()
}

// NewCrossSensorManager returns an empty manager.
func NewCrossSensorManager() *CrossSensorManager {
	return &CrossSensorManager{
		known:      make(map[string]struct{}),
		referenced: make(map[string]map[string]struct{}),
		pending:    make(map[string]struct{}),
		completed:  make(map[string]string),
	}
}

// AddSensorKey declares a sensor key that formulas may reference by name.
func (m *CrossSensorManager) AddSensorKey(key string) {
	m.mu.Lock()
	m.known[key] = struct{}{}
	m.mu.Unlock()
}

// IsSensorKey reports whether the name refers to a declared sensor.
func (m *CrossSensorManager) IsSensorKey(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[name]
	return ok
}

// AddReference records that fromSensor references toKey by name. The key
// becomes pending until MarkRegistered assigns it an entity id.
func (m *CrossSensorManager) AddReference(fromSensor, toKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.referenced[toKey]
	if !ok {
		refs = make(map[string]struct{})
		m.referenced[toKey] = refs
	}
	refs[fromSensor] = struct{}{}
	if _, done := m.completed[toKey]; !done {
		m.pending[toKey] = struct{}{}
	}
}

// MarkRegistered completes the registration of a referenced key. When the
// pending set drains, every completion callback fires once.
func (m *CrossSensorManager) MarkRegistered(key, entityID string) {
	m.mu.Lock()
	m.completed[key] = entityID
	delete(m.pending, key)
	var fire []func()
	if len(m.pending) == 0 && len(m.callbacks) > 0 {
		fire = m.callbacks
		m.callbacks = nil
	}
	m.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// OnAllRegistered runs fn once every currently referenced key has an entity
// id. With nothing pending the callback fires immediately.
func (m *CrossSensorManager) OnAllRegistered(fn func()) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		fn()
		return
	}
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Pending lists referenced keys still waiting for registration.
func (m *CrossSensorManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ReferencedBy lists the sensors referencing the given key.
func (m *CrossSensorManager) ReferencedBy(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.referenced[key]
	out := make([]string, 0, len(refs))
	for sensor := range refs {
		out = append(out, sensor)
	}
	sort.Strings(out)
	return out
}
