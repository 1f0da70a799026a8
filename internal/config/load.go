package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaMajor is the config schema major version this build reads.
const SupportedSchemaMajor = "v1"

// Load parses, schema-validates, version-checks and structurally validates
// a YAML config document.
func Load(configYAML []byte, filePathHint string) (*Config, error) {
	if len(bytes.TrimSpace(configYAML)) == 0 {
		return nil, cserrors.NewConfigError("config content cannot be empty", nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, cserrors.NewConfigError(fmt.Sprintf("config '%s' failed schema validation", filePathHint), err)
	}

	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, cserrors.NewConfigError(fmt.Sprintf("failed to parse config YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	if err := checkSchemaVersion(cfg.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	if errs := ValidateStructure(&cfg); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		combined := fmt.Sprintf("config '%s' has %d validation error(s):\n- %s",
			filePathHint, len(msgs), strings.Join(msgs, "\n- "))
		return nil, cserrors.NewValidationError(combined, errs[0])
	}
	return &cfg, nil
}

// LoadFile reads and loads a config file.
func LoadFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, cserrors.NewConfigError("config file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, cserrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, cserrors.NewConfigError(fmt.Sprintf("failed to read config file '%s'", absPath), err)
	}
	return Load(raw, absPath)
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return cserrors.NewValidationError(fmt.Sprintf("config '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return cserrors.NewValidationError(fmt.Sprintf("config '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaMajor {
		return cserrors.NewValidationError(
			fmt.Sprintf("config '%s' schemaVersion '%s' is not compatible with required '%s'", filePathHint, version, SupportedSchemaMajor), nil)
	}
	return nil
}

// yamlUnmarshalStrict rejects unknown fields so typos surface early.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
