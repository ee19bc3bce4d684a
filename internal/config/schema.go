package config

import (
	_ "embed"
	"fmt"
	"sync"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed simloop_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = simerrors.NewConfigError("embedded schema 'simloop_schema_v1.0.0.json' is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = simerrors.NewConfigError("failed to compile embedded schema 'simloop_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates a YAML document against the embedded schema.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(documentYAML, &doc); err != nil {
		return simerrors.NewConfigError("failed to parse config YAML for schema validation", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return simerrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}

	errMsg := "config failed JSON schema validation:"
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		errMsg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
	}
	return simerrors.NewValidationError(errMsg, nil)
}
