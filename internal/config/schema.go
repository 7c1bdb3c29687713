package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"
)

//go:embed schema/config.schema.json
var configSchema []byte

const configSchemaName = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(configSchemaName, bytes.NewReader(configSchema)); err != nil {
			schemaErr = fmt.Errorf("adding config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(configSchemaName)
	})
	return compiledSchema, schemaErr
}

// ValidateConfigYAML checks a YAML document against the config schema.
func ValidateConfigYAML(data []byte) error {
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("config is not valid YAML: %w", err)
	}
	return ValidateConfigJSON(raw)
}

// ValidateConfigJSON checks a JSON document against the config schema.
func ValidateConfigJSON(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
