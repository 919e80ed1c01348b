package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// configSchema constrains the shape of the raw document before it is decoded
// into typed structs. Formula payloads stay open because the variable union
// is validated during decoding.
const configSchema = `
#Branch: _

#AlternateStates: {
	unavailable?: #Branch
	unknown?:     #Branch
	none?:        #Branch
	fallback?:    #Branch
}

#Formula: {
	id?:               string
	formula:           string & !=""
	type?:             "number" | "integer" | "decimal" | "bool" | "string" | "date"
	variables?:        {[string]: _}
	alternate_states?: #AlternateStates
	metadata?:         {[string]: _}
}

#Sensor: {
	unique_id:      string & !=""
	entity_id?:     string
	backing_entity?: string
	formula:        #Formula
	attributes?:    [...#Formula]
}

#Config: {
	logging?: {
		level?:  string
		format?: "text" | "json"
		loki?: {
			enabled?: bool
			url?:     string
			labels?:  {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	retry?: {
		max_attempts?: int & >=0
		min_delay?:    string
		max_delay?:    string
		factor?:       number
	}
	circuit?: {
		max_fatal_errors?:      int & >=0
		max_transitory_errors?: int & >=0
	}
	sensors?: [...#Sensor]
}
`

func validateSchema(doc map[string]interface{}) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	root := schema.LookupPath(cue.ParsePath("#Config"))
	if err := root.Err(); err != nil {
		return fmt.Errorf("lookup config schema: %w", err)
	}
	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}
	unified := root.Unify(value)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
