package config

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func unmarshalYAML(doc string, out interface{}) error {
	return yaml.Unmarshal([]byte(doc), out)
}

const sampleConfig = `
logging:
  level: debug
  format: text
retry:
  max_attempts: 3
  min_delay: 250ms
  max_delay: 5s
  factor: 2.0
circuit:
  max_fatal_errors: 2
  max_transitory_errors: 5
sensors:
  - unique_id: energy_total
    entity_id: sensor.energy_total
    backing_entity: sensor.grid_power
    formula:
      formula: state * 1.05
      type: number
      variables:
        tariff: 0.32
        solar: sensor.solar_power
        net:
          formula: solar - tariff
      alternate_states:
        unavailable: 0
        fallback:
          formula: tariff * 2
    attributes:
      - id: daily_cost
        formula: state * tariff
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if len(cfg.Sensors) != 1 {
		t.Fatalf("expected one sensor, got %d", len(cfg.Sensors))
	}
	sensor := cfg.Sensors[0]
	if sensor.UniqueID != "energy_total" {
		t.Fatalf("unexpected unique id %q", sensor.UniqueID)
	}
	if sensor.BackingEntity != "sensor.grid_power" {
		t.Fatalf("unexpected backing entity %q", sensor.BackingEntity)
	}
	if sensor.Formula.ID != "energy_total" {
		t.Fatalf("main formula id should default to the sensor key, got %q", sensor.Formula.ID)
	}
	if sensor.Formula.Type != ValueKindNumber {
		t.Fatalf("unexpected formula type %q", sensor.Formula.Type)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MinDelay.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected min delay %s", cfg.Retry.MinDelay.Duration)
	}
	if cfg.Circuit.MaxTransitoryErrors != 5 {
		t.Fatalf("unexpected transitory threshold %d", cfg.Circuit.MaxTransitoryErrors)
	}
}

func TestVariableUnionDecoding(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	vars := cfg.Sensors[0].Formula.Variables

	tariff := vars["tariff"]
	if tariff.IsEntity() || tariff.IsComputed() {
		t.Fatalf("tariff should be a literal, got %+v", tariff)
	}
	if tariff.Literal != 0.32 {
		t.Fatalf("unexpected tariff literal %v", tariff.Literal)
	}

	solar := vars["solar"]
	if !solar.IsEntity() || solar.EntityID != "sensor.solar_power" {
		t.Fatalf("solar should bind to sensor.solar_power, got %+v", solar)
	}

	net := vars["net"]
	if !net.IsComputed() {
		t.Fatalf("net should be computed, got %+v", net)
	}
	if net.Computed.Formula != "solar - tariff" {
		t.Fatalf("unexpected computed formula %q", net.Computed.Formula)
	}
}

func TestAlternateBranchUnionDecoding(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	states := cfg.Sensors[0].Formula.AlternateStates
	if states == nil {
		t.Fatal("alternate states missing")
	}

	unavailable := states.Branch("unavailable")
	if unavailable == nil || unavailable.HasFormula() {
		t.Fatalf("unavailable branch should be a literal, got %+v", unavailable)
	}
	if unavailable.Literal != 0 {
		t.Fatalf("unexpected unavailable literal %v", unavailable.Literal)
	}

	fallback := states.Branch("fallback")
	if fallback == nil || !fallback.HasFormula() {
		t.Fatalf("fallback branch should carry a formula, got %+v", fallback)
	}
	if fallback.Formula != "tariff * 2" {
		t.Fatalf("unexpected fallback formula %q", fallback.Formula)
	}
	if states.Branch("none") != nil {
		t.Fatal("none branch should be absent")
	}
}

func TestParseRejectsUnknownValueKind(t *testing.T) {
	doc := `
sensors:
  - unique_id: broken
    formula:
      formula: "1"
      type: complex
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected schema error for unknown value kind")
	}
}

func TestParseRejectsEmptyFormula(t *testing.T) {
	doc := `
sensors:
  - unique_id: broken
    formula:
      formula: ""
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for empty formula")
	}
}

func TestParseRejectsDuplicateSensors(t *testing.T) {
	doc := `
sensors:
  - unique_id: twin
    formula:
      formula: "1"
  - unique_id: twin
    formula:
      formula: "2"
`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate sensor") {
		t.Fatalf("expected duplicate sensor error, got %v", err)
	}
}

func TestParseRejectsInvalidBackingEntity(t *testing.T) {
	doc := `
sensors:
  - unique_id: broken
    backing_entity: NotAnEntity
    formula:
      formula: "1"
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for invalid backing entity")
	}
}

func TestIsEntityID(t *testing.T) {
	valid := []string{"sensor.kitchen_temp", "binary_sensor.door", "sensor.t1", "sensor.kitchen.temp"}
	for _, id := range valid {
		if !IsEntityID(id) {
			t.Fatalf("%q should be a valid entity id", id)
		}
	}
	invalid := []string{"kitchen", "sensor.", ".temp", "Sensor.Temp", "sensor.1temp"}
	for _, id := range invalid {
		if IsEntityID(id) {
			t.Fatalf("%q should not be a valid entity id", id)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var cfg struct {
		Delay Duration `yaml:"delay"`
	}
	if err := unmarshalYAML("delay: 1m30s", &cfg); err != nil {
		t.Fatalf("unmarshal duration: %v", err)
	}
	if cfg.Delay.Duration != 90*time.Second {
		t.Fatalf("unexpected duration %s", cfg.Delay.Duration)
	}
	if err := unmarshalYAML("delay: nonsense", &cfg); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
