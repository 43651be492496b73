package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the range of bootstrap schema versions this build reads.
const SupportedSchema = ">= 1.0.0, < 2.0.0"

//go:embed bootstrap.schema.json
var bootstrapSchema string

const bootstrapSchemaURL = "https://helm.schemas.local/treasury/bootstrap.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Bootstrap is a declarative document of CEL policy rules and treasuries to
// create.
type Bootstrap struct {
	SchemaVersion string              `yaml:"schema_version" json:"schema_version"`
	Rules         map[string]string   `yaml:"rules,omitempty" json:"rules,omitempty"`
	Treasuries    []TreasuryBootstrap `yaml:"treasuries,omitempty" json:"treasuries,omitempty"`
}

// LimitBootstrap mirrors treasury.SpendingLimit.
type LimitBootstrap struct {
	Daily   uint64 `yaml:"daily" json:"daily"`
	Weekly  uint64 `yaml:"weekly" json:"weekly"`
	Monthly uint64 `yaml:"monthly" json:"monthly"`
	PerTx   uint64 `yaml:"per_tx" json:"per_tx"`
}

// TierBootstrap mirrors treasury.AmountThreshold.
type TierBootstrap struct {
	Ceiling            uint64 `yaml:"ceiling" json:"ceiling"`
	RequiredSignatures uint64 `yaml:"required_signatures" json:"required_signatures"`
}

// TreasuryBootstrap describes one treasury and its initial policy.
type TreasuryBootstrap struct {
	Name               string                    `yaml:"name" json:"name"`
	Signers            []string                  `yaml:"signers" json:"signers"`
	Threshold          uint64                    `yaml:"threshold" json:"threshold"`
	TimelockBase       uint64                    `yaml:"timelock_base_ms" json:"timelock_base_ms"`
	TimelockFactor     uint64                    `yaml:"timelock_factor" json:"timelock_factor"`
	Deposit            uint64                    `yaml:"deposit" json:"deposit"`
	GlobalLimit        *LimitBootstrap           `yaml:"global_limit,omitempty" json:"global_limit,omitempty"`
	CategoryLimits     map[string]LimitBootstrap `yaml:"category_limits,omitempty" json:"category_limits,omitempty"`
	Whitelist          []string                  `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	AmountThresholds   []TierBootstrap           `yaml:"amount_thresholds,omitempty" json:"amount_thresholds,omitempty"`
	EmergencySigners   []string                  `yaml:"emergency_signers,omitempty" json:"emergency_signers,omitempty"`
	EmergencyThreshold uint64                    `yaml:"emergency_threshold,omitempty" json:"emergency_threshold,omitempty"`
}

// LoadBootstrap reads and validates a bootstrap document.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bootstrap %q: %w", path, err)
	}
	b, err := ParseBootstrap(data)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %q: %w", path, err)
	}
	return b, nil
}

// ParseBootstrap validates YAML against the embedded schema and the
// supported schema_version range, then decodes it.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	// Normalise through JSON so the validator sees JSON-native types.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalise: %w", err)
	}

	schema, err := bootstrapValidator()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := checkSchemaVersion(b.SchemaVersion); err != nil {
		return nil, err
	}
	return &b, nil
}

func checkSchemaVersion(v string) error {
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return fmt.Errorf("invalid supported schema constraint: %w", err)
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s is not supported (want %s)", v, SupportedSchema)
	}
	return nil
}

func bootstrapValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(bootstrapSchemaURL, bytes.NewReader([]byte(bootstrapSchema))); err != nil {
			compileErr = fmt.Errorf("bootstrap schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(bootstrapSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("bootstrap schema compile failed: %w", compileErr)
		}
	})
	return compiled, compileErr
}
