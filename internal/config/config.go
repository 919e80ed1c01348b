package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ValueKind describes the primitive type a formula result is coerced to.
type ValueKind string

const (
	// ValueKindNumber represents floating point numbers.
	ValueKindNumber ValueKind = "number"
	// ValueKindInteger represents whole numbers.
	ValueKindInteger ValueKind = "integer"
	// ValueKindDecimal represents arbitrary precision decimals.
	ValueKindDecimal ValueKind = "decimal"
	// ValueKindBool represents boolean values.
	ValueKindBool ValueKind = "bool"
	// ValueKindString represents plain UTF-8 strings.
	ValueKindString ValueKind = "string"
	// ValueKindDate represents timestamps.
	ValueKindDate ValueKind = "date"
)

// Variable is the union of the three binding forms a formula variable can
// take: a dotted entity id, a computed variable with its own formula, or a
// plain literal.
type Variable struct {
	EntityID string
	Literal  interface{}
	Computed *ComputedVariable
}

// ComputedVariable is a named formula-defined value with its own variables
// and optional alternate-state handler.
type ComputedVariable struct {
	Formula         string              `yaml:"formula"`
	Variables       map[string]Variable `yaml:"variables,omitempty"`
	AlternateStates *AlternateStates    `yaml:"alternate_states,omitempty"`
}

// IsComputed reports whether the variable carries its own formula.
func (v Variable) IsComputed() bool { return v.Computed != nil }

// IsEntity reports whether the variable is bound to an entity id.
func (v Variable) IsEntity() bool { return v.EntityID != "" }

// UnmarshalYAML decodes the variable union. Mapping nodes with a formula key
// become computed variables, scalar strings shaped like entity ids become
// entity bindings and everything else stays a literal.
func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return fmt.Errorf("variable value node is nil")
	}
	if node.Kind == yaml.MappingNode {
		var computed ComputedVariable
		if err := node.Decode(&computed); err != nil {
			return fmt.Errorf("decode computed variable: %w", err)
		}
		if strings.TrimSpace(computed.Formula) == "" {
			return fmt.Errorf("computed variable requires a formula")
		}
		v.Computed = &computed
		return nil
	}
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode variable: %w", err)
	}
	if s, ok := raw.(string); ok && IsEntityID(s) {
		v.EntityID = s
		return nil
	}
	v.Literal = raw
	return nil
}

// MarshalYAML renders the variable back into its source form.
func (v Variable) MarshalYAML() (interface{}, error) {
	switch {
	case v.Computed != nil:
		return v.Computed, nil
	case v.EntityID != "":
		return v.EntityID, nil
	default:
		return v.Literal, nil
	}
}

// AlternateBranch is either a literal fallback value or a nested
// formula with local variables.
type AlternateBranch struct {
	Literal   interface{}
	Formula   string
	Variables map[string]Variable
}

// HasFormula reports whether the branch is the object form.
func (b *AlternateBranch) HasFormula() bool {
	return b != nil && strings.TrimSpace(b.Formula) != ""
}

// UnmarshalYAML decodes the branch union: mapping nodes with a formula key
// are the object form, everything else is a verbatim literal.
func (b *AlternateBranch) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return fmt.Errorf("alternate state value node is nil")
	}
	if node.Kind == yaml.MappingNode {
		var obj struct {
			Formula   string              `yaml:"formula"`
			Variables map[string]Variable `yaml:"variables,omitempty"`
		}
		if err := node.Decode(&obj); err != nil {
			return fmt.Errorf("decode alternate state branch: %w", err)
		}
		if strings.TrimSpace(obj.Formula) == "" {
			return fmt.Errorf("alternate state branch requires a formula")
		}
		b.Formula = obj.Formula
		b.Variables = obj.Variables
		return nil
	}
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode alternate state literal: %w", err)
	}
	b.Literal = raw
	return nil
}

// AlternateStates configures the fallback behaviour per degraded
// dependency state.
type AlternateStates struct {
	Unavailable *AlternateBranch `yaml:"unavailable,omitempty"`
	Unknown     *AlternateBranch `yaml:"unknown,omitempty"`
	None        *AlternateBranch `yaml:"none,omitempty"`
	Fallback    *AlternateBranch `yaml:"fallback,omitempty"`
}

// Branch returns the branch configured for the given state name, if any.
func (a *AlternateStates) Branch(state string) *AlternateBranch {
	if a == nil {
		return nil
	}
	switch state {
	case "unavailable":
		return a.Unavailable
	case "unknown":
		return a.Unknown
	case "none":
		return a.None
	case "fallback":
		return a.Fallback
	default:
		return nil
	}
}

// FormulaConfig describes a single evaluatable formula.
type FormulaConfig struct {
	ID              string                 `yaml:"id"`
	Formula         string                 `yaml:"formula"`
	Type            ValueKind              `yaml:"type,omitempty"`
	Variables       map[string]Variable    `yaml:"variables,omitempty"`
	AlternateStates *AlternateStates       `yaml:"alternate_states,omitempty"`
	Metadata        map[string]interface{} `yaml:"metadata,omitempty"`
}

// SensorConfig groups a main formula with attribute formulas that share the
// main result through the state token.
type SensorConfig struct {
	UniqueID      string          `yaml:"unique_id"`
	EntityID      string          `yaml:"entity_id,omitempty"`
	BackingEntity string          `yaml:"backing_entity,omitempty"`
	Formula       FormulaConfig   `yaml:"formula"`
	Attributes    []FormulaConfig `yaml:"attributes,omitempty"`
}

// LokiConfig configures optional shipping of log entries to Loki.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig selects the metrics backend.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// RetryConfig bounds re-evaluation attempts after transitory failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	MinDelay    Duration `yaml:"min_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
	Factor      float64  `yaml:"factor,omitempty"`
}

// CircuitConfig bounds errors before a sensor evaluation is suppressed.
type CircuitConfig struct {
	MaxFatalErrors      int `yaml:"max_fatal_errors,omitempty"`
	MaxTransitoryErrors int `yaml:"max_transitory_errors,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Circuit   CircuitConfig   `yaml:"circuit,omitempty"`
	Sensors   []SensorConfig  `yaml:"sensors"`
}

// Load reads, schema-checks and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a raw configuration document.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validateIdentifiers(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsEntityID reports whether the value looks like a host-platform entity id,
// a lowercase domain and object id joined by a single dot.
func IsEntityID(value string) bool {
	domain, object, ok := strings.Cut(value, ".")
	if !ok || domain == "" || object == "" {
		return false
	}
	if !isIdentifierSegment(domain) {
		return false
	}
	for _, part := range strings.Split(object, ".") {
		if !isIdentifierSegment(part) {
			return false
		}
	}
	return true
}

func isIdentifierSegment(value string) bool {
	if value == "" {
		return false
	}
	for idx, r := range value {
		if idx == 0 && !(r == '_' || (r >= 'a' && r <= 'z')) {
			return false
		}
		if idx > 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func ensureIdentifier(value, kind string) error {
	if value == "" {
		return fmt.Errorf("%s id must not be empty", kind)
	}
	for idx, r := range value {
		if idx == 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return fmt.Errorf("invalid %s id %q", kind, value)
		}
		if idx > 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("invalid %s id %q", kind, value)
		}
	}
	return nil
}

func validateIdentifiers(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Sensors))
	for i := range cfg.Sensors {
		sensor := &cfg.Sensors[i]
		if err := ensureIdentifier(sensor.UniqueID, "sensor"); err != nil {
			return err
		}
		if _, ok := seen[sensor.UniqueID]; ok {
			return fmt.Errorf("duplicate sensor id %q", sensor.UniqueID)
		}
		seen[sensor.UniqueID] = struct{}{}
		if sensor.EntityID != "" && !IsEntityID(sensor.EntityID) {
			return fmt.Errorf("sensor %s: invalid entity id %q", sensor.UniqueID, sensor.EntityID)
		}
		if sensor.BackingEntity != "" && !IsEntityID(sensor.BackingEntity) {
			return fmt.Errorf("sensor %s: invalid backing entity %q", sensor.UniqueID, sensor.BackingEntity)
		}
		if sensor.Formula.ID == "" {
			sensor.Formula.ID = sensor.UniqueID
		}
		if strings.TrimSpace(sensor.Formula.Formula) == "" {
			return fmt.Errorf("sensor %s: main formula must not be empty", sensor.UniqueID)
		}
		if err := validateVariableNames(sensor.UniqueID, sensor.Formula.Variables); err != nil {
			return err
		}
		attrSeen := make(map[string]struct{}, len(sensor.Attributes))
		for j := range sensor.Attributes {
			attr := &sensor.Attributes[j]
			if err := ensureIdentifier(attr.ID, "attribute"); err != nil {
				return fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
			}
			if _, ok := attrSeen[attr.ID]; ok {
				return fmt.Errorf("sensor %s: duplicate attribute %q", sensor.UniqueID, attr.ID)
			}
			attrSeen[attr.ID] = struct{}{}
			if strings.TrimSpace(attr.Formula) == "" {
				return fmt.Errorf("sensor %s attribute %s: formula must not be empty", sensor.UniqueID, attr.ID)
			}
			if err := validateVariableNames(sensor.UniqueID, attr.Variables); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateVariableNames(sensor string, vars map[string]Variable) error {
	for name, v := range vars {
		if err := ensureIdentifier(name, "variable"); err != nil {
			return fmt.Errorf("sensor %s: %w", sensor, err)
		}
		if v.Computed != nil {
			if err := validateVariableNames(sensor, v.Computed.Variables); err != nil {
				return err
			}
		}
	}
	return nil
}
