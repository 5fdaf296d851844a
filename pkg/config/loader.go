package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/capman/pkg/model"
)

// Format is the encoding of a configuration or setup file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported file extension %q (use .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}
}

// Loader decodes and validates configuration and setup files.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a Loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: v,
	}
}

// Schemas returns the schema registry used for CUE input.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the engine configuration from path. Fields the file leaves
// out keep their Default values.
func Load(path string) (*Config, error) {
	return NewLoader().LoadConfig(path)
}

// LoadSetup reads the initial setup from path.
func LoadSetup(path string) (model.Setup, error) {
	return NewLoader().LoadSetup(path)
}

// LoadConfig reads and validates the engine configuration at path.
func (l *Loader) LoadConfig(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.ParseConfig(path, data, format)
}

// ParseConfig decodes data in the given format on top of Default and
// validates the result. name is used in error messages.
func (l *Loader) ParseConfig(name string, data []byte, format Format) (*Config, error) {
	cfg := Default()
	if err := l.decode(name, data, format, SchemaConfig, cfg); err != nil {
		return nil, err
	}
	if err := l.ValidateConfig(name, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSetup reads and validates the initial setup at path.
func (l *Loader) LoadSetup(path string) (model.Setup, error) {
	format, err := FormatOf(path)
	if err != nil {
		return model.Setup{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Setup{}, fmt.Errorf("failed to read setup %s: %w", path, err)
	}
	return l.ParseSetup(path, data, format)
}

// ParseSetup decodes and validates a setup document.
func (l *Loader) ParseSetup(name string, data []byte, format Format) (model.Setup, error) {
	var setup model.Setup
	if err := l.decode(name, data, format, SchemaSetup, &setup); err != nil {
		return model.Setup{}, err
	}
	if err := l.ValidateSetup(name, setup); err != nil {
		return model.Setup{}, err
	}
	return setup, nil
}

// decode fills out from data. JSON is decoded as YAML, which it is a
// subset of, so duration strings work the same in both. CUE is checked
// against the named schema first and then re-encoded as YAML.
func (l *Loader) decode(name string, data []byte, format Format, schema string, out interface{}) error {
	switch format {
	case FormatYAML, FormatJSON:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return nil
	case FormatCUE:
		doc, err := l.evaluateCUE(name, data, schema)
		if err != nil {
			return err
		}
		raw, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to re-encode %s: %w", name, err)
		}
		if err := yaml.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// evaluateCUE compiles data, unifies it with the schema and returns the
// concrete document.
func (l *Loader) evaluateCUE(name string, data []byte, schema string) (interface{}, error) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &InvalidConfigurationError{Source: name, Errors: convertCUEErrors(err)}
	}

	unified, err := l.schemas.Unify(schema, val)
	if err != nil {
		return nil, &InvalidConfigurationError{Source: name, Errors: convertCUEErrors(err)}
	}

	var doc interface{}
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return doc, nil
}

// ValidateConfig runs the struct tag rules and the cross-field checks on
// cfg.
func (l *Loader) ValidateConfig(name string, cfg *Config) error {
	invalid := &InvalidConfigurationError{Source: name}
	l.collectTagErrors(invalid, cfg)

	if err := cfg.Execution.Validate(); err != nil {
		invalid.add("execution", "%v", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		invalid.add("telemetry", "%v", err)
	}

	switch cfg.Cloud.Provider {
	case ProviderEC2:
		if cfg.Cloud.EC2.Region == "" {
			invalid.add("cloud.ec2.region", "region is required for the ec2 provider")
		}
	case ProviderOpenStack:
		if cfg.Cloud.OpenStack.PollAttempts < 1 {
			invalid.add("cloud.openstack.poll_attempts", "must be at least 1")
		}
	}
	if cfg.Cloud.Provider != ProviderSimulated {
		if cfg.SSH.ConnectionTimeout <= 0 {
			invalid.add("ssh.connection_timeout", "must be positive")
		}
		if cfg.SSH.CommandTimeout <= 0 {
			invalid.add("ssh.command_timeout", "must be positive")
		}
		if cfg.SSH.StrictHostKeyChecking && cfg.SSH.KnownHostsPath == "" {
			invalid.add("ssh.known_hosts_path", "required for strict host key checking")
		}
	}

	return invalid.errOrNil()
}

// ValidateSetup checks setup for missing fields, duplicate scaling groups
// and hostnames, and applications referring to undefined scaling groups.
func (l *Loader) ValidateSetup(name string, setup model.Setup) error {
	invalid := &InvalidConfigurationError{Source: name}
	l.collectTagErrors(invalid, setup)

	groups := make(map[string]bool, len(setup.ScalingGroups))
	for i, sg := range setup.ScalingGroups {
		if groups[sg.Name] {
			invalid.add(fmt.Sprintf("scaling_groups[%d].name", i), "duplicate scaling group %q", sg.Name)
		}
		groups[sg.Name] = true
		if sg.WaitTimeForApplicationAction < 0 {
			invalid.add(fmt.Sprintf("scaling_groups[%d].wait_time_for_application_action", i), "must not be negative")
		}
	}

	hostnames := make(map[string]bool, len(setup.Nodes))
	for i, n := range setup.Nodes {
		if hostnames[n.Hostname] {
			invalid.add(fmt.Sprintf("nodes[%d].hostname", i), "duplicate hostname %q", n.Hostname)
		}
		hostnames[n.Hostname] = true
		for j, app := range n.Applications {
			if app.ScalingGroup != "" && !groups[app.ScalingGroup] {
				invalid.add(fmt.Sprintf("nodes[%d].applications[%d].scaling_group", i, j),
					"undefined scaling group %q", app.ScalingGroup)
			}
		}
	}

	return invalid.errOrNil()
}

// collectTagErrors runs the validator on v and records every field error.
func (l *Loader) collectTagErrors(invalid *InvalidConfigurationError, v interface{}) {
	err := l.validate.Struct(v)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		invalid.add("", "%v", err)
		return
	}
	for _, fe := range fieldErrs {
		invalid.add(fieldPath(fe.Namespace()), "failed on the %q rule", fe.Tag())
	}
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
