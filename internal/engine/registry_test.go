package engine

import (
	"sync"
	"testing"
)

func TestRegistryValueLifecycle(t *testing.T) {
	r := NewSensorRegistry()
	r.Register("power", "sensor.power")

	if _, ok := r.Value("power"); ok {
		t.Fatal("registered sensor has no value yet")
	}
	r.SetValue("power", 42.0)
	value, ok := r.Value("power")
	if !ok || value != 42.0 {
		t.Fatalf("unexpected value %v %v", value, ok)
	}

	r.SetValue("power", nil)
	value, ok = r.Value("power")
	if !ok || value != nil {
		t.Fatal("an explicit nil value still counts as computed")
	}
}

func TestRegistryEntityMapping(t *testing.T) {
	r := NewSensorRegistry()
	r.Register("power", "sensor.power")

	key, ok := r.KeyForEntity("sensor.power")
	if !ok || key != "power" {
		t.Fatalf("unexpected key %q %v", key, ok)
	}

	r.Register("power", "sensor.grid_power")
	if _, ok := r.KeyForEntity("sensor.power"); ok {
		t.Fatal("stale entity mapping survived re-registration")
	}
	key, ok = r.KeyForEntity("sensor.grid_power")
	if !ok || key != "power" {
		t.Fatalf("unexpected key %q %v", key, ok)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewSensorRegistry()
	r.Register("counter", "sensor.counter")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.SetValue("counter", float64(n))
		}(i)
		go func() {
			defer wg.Done()
			r.Value("counter")
			r.Keys()
		}()
	}
	wg.Wait()

	if _, ok := r.Value("counter"); !ok {
		t.Fatal("value lost after concurrent writes")
	}
}

func TestCrossSensorManagerCallbacks(t *testing.T) {
	m := NewCrossSensorManager()
	m.AddSensorKey("a")
	m.AddReference("b", "a")

	fired := 0
	m.OnAllRegistered(func() { fired++ })
	if fired != 0 {
		t.Fatal("callback must wait for pending registrations")
	}
	if pending := m.Pending(); len(pending) != 1 || pending[0] != "a" {
		t.Fatalf("unexpected pending set %v", pending)
	}

	m.MarkRegistered("a", "sensor.a")
	if fired != 1 {
		t.Fatalf("callback should fire exactly once, fired %d", fired)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("pending set should drain")
	}

	// Nothing pending: immediate invocation.
	m.OnAllRegistered(func() { fired++ })
	if fired != 2 {
		t.Fatalf("expected immediate callback, fired %d", fired)
	}
}

func TestCrossSensorManagerReferences(t *testing.T) {
	m := NewCrossSensorManager()
	m.AddSensorKey("total")
	m.AddReference("daily", "total")
	m.AddReference("monthly", "total")

	if !m.IsSensorKey("total") {
		t.Fatal("total should be a known key")
	}
	if m.IsSensorKey("sensor.total") {
		t.Fatal("entity ids are not sensor keys")
	}
	refs := m.ReferencedBy("total")
	if len(refs) != 2 || refs[0] != "daily" || refs[1] != "monthly" {
		t.Fatalf("unexpected referencing sensors %v", refs)
	}
}
