package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var projectSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"server":         map[string]interface{}{"type": "string"},
		"secret":         map[string]interface{}{"type": "string"},
		"serverDir":      map[string]interface{}{"type": "string"},
		"saveProject":    map[string]interface{}{"type": "boolean"},
		"twoWay":         map[string]interface{}{"type": "boolean"},
		"deleteOnRemote": map[string]interface{}{"type": "boolean"},
		"deleteByRemote": map[string]interface{}{"type": "boolean"},
	},
}

var globalSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"secret":         map[string]interface{}{"type": "string"},
		"port":           map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 65535},
		"server":         map[string]interface{}{"type": "string"},
		"cwd":            map[string]interface{}{"type": "string"},
		"twoWay":         map[string]interface{}{"type": "boolean"},
		"deleteOnRemote": map[string]interface{}{"type": "boolean"},
		"deleteByRemote": map[string]interface{}{"type": "boolean"},
		"gracePeriod":    map[string]interface{}{"type": "string", "pattern": durationPattern},
		"debounceWindow": map[string]interface{}{"type": "string", "pattern": durationPattern},
		"sessionTTL":     map[string]interface{}{"type": "string", "pattern": durationPattern},
		"sweepSchedule":  map[string]interface{}{"type": "string", "minLength": 1},
		"journalPath":    map[string]interface{}{"type": "string"},
		"logging": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level": map[string]interface{}{
					"type": "string",
					"enum": []interface{}{"trace", "debug", "info", "warn", "error"},
				},
				"file":   map[string]interface{}{"type": "string"},
				"pretty": map[string]interface{}{"type": "boolean"},
			},
		},
	},
}

// Validator checks raw config files against their JSON schema
type Validator struct {
	global  *gojsonschema.Schema
	project *gojsonschema.Schema
}

// NewValidator compiles the schemas
func NewValidator() (*Validator, error) {
	global, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(globalSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile global schema: %w", err)
	}
	project, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(projectSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile project schema: %w", err)
	}
	return &Validator{global: global, project: project}, nil
}

// ValidateGlobal validates the contents of the global config file
func (v *Validator) ValidateGlobal(data []byte) error {
	return validate(v.global, data)
}

// ValidateProject validates the contents of a project config file
func (v *Validator) ValidateProject(data []byte) error {
	return validate(v.project, data)
}

func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
