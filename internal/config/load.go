package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the schemaVersion major this build
// accepts.
const SupportedSchemaVersionConstraint = "v1"

// Load validates configYAML against the embedded JSON schema, decodes it
// strictly, checks schemaVersion compatibility and then runs the logical
// checks of ValidateConfigStructure.
func Load(configYAML []byte, filePathHint string) (*Config, error) {
	if len(bytes.TrimSpace(configYAML)) == 0 {
		return nil, simerrors.NewConfigError("config content cannot be empty", nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, simerrors.NewConfigError(fmt.Sprintf("config '%s' failed schema validation", filePathHint), err)
	}

	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, simerrors.NewConfigError(fmt.Sprintf("failed to parse config YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	if err := CheckSchemaVersion(cfg.SchemaVersion); err != nil {
		return nil, simerrors.NewValidationError(fmt.Sprintf("config '%s'", filePathHint), err)
	}

	if errs := ValidateConfigStructure(&cfg); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		combined := fmt.Sprintf("config '%s' has %d validation error(s):\n- %s",
			filePathHint, len(msgs), strings.Join(msgs, "\n- "))
		return nil, simerrors.NewValidationError(combined, errs[0])
	}
	return &cfg, nil
}

// LoadFromFile reads and loads a config file.
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, simerrors.NewConfigError("config file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, simerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, simerrors.NewConfigError(fmt.Sprintf("failed to read config file '%s'", absPath), err)
	}
	return Load(data, absPath)
}

// CheckSchemaVersion verifies that version is valid semver (a leading "v"
// is optional) with the supported major.
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing required 'schemaVersion' field")
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid 'schemaVersion' format: '%s'", version)
	}
	if semver.Major(v) != SupportedSchemaVersionConstraint {
		return fmt.Errorf("schemaVersion '%s' is not compatible with requirement '%s'", version, SupportedSchemaVersionConstraint)
	}
	return nil
}

// yamlUnmarshalStrict rejects fields that are not defined on out.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
