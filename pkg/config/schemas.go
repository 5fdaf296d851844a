package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names known to the registry.
const (
	SchemaConfig = "config"
	SchemaSetup  = "setup"
)

// SchemaRegistry manages the CUE schemas CUE input files are checked
// against before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants and always compile.
	_ = sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema)
	_ = sr.RegisterSchema(SchemaSetup, "#Setup", builtinSetupSchema)

	return sr
}

// Context returns the CUE context schemas were compiled in. Values
// validated against them must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the definition named
// definition (e.g. "#Config") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify checks val against the named schema and returns the unified
// value.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	execution?: {
		max_tries?:      int & >=1
		retry_interval?: #Duration
		max_concurrent?: int & >=0
	}

	cloud?: {
		provider?: "openstack" | "ec2" | "simulated"
		openstack?: {
			binary?:              string
			env?:                 [...string]
			key_pair_name?:       string
			network?:             string
			boot_wait?:           #Duration
			poll_attempts?:       int & >=1
			poll_interval?:       #Duration
			image_poll_attempts?: int & >=1
			image_poll_interval?: #Duration
		}
		ec2?: {
			region?:             string
			subnet_id?:          string
			security_group_ids?: [...string]
			key_pair_name?:      string
			boot_wait?:          #Duration
		}
		simulated?: {
			delay?: #Duration
		}
	}

	ssh?: {
		port?:                     int & >=1 & <=65535
		user?:                     string
		auth_method?:              "password" | "key"
		password?:                 string
		private_key_path?:         string
		private_key_passphrase?:   string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		command_timeout?:          #Duration
		idle_timeout?:             #Duration
	}

	store?: {
		path?:              string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	policy?: {
		enabled?:          bool
		paths?:            [...string]
		disable_builtins?: bool
	}

	setup_path?:          string
	applications_folder?: string
	temp_folder?:         string

	telemetry?: {...}
}
`

const builtinSetupSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#ScalingGroup: {
	name:                              string & !=""
	application_folder:                string & !=""
	start_application_script:          string & !=""
	terminate_application_script?:     string
	wait_time_for_application_action?: #Duration
	dynamic?:                          bool
}

#Application: {
	name:          string & !=""
	scaling_group: string & !=""
	arguments?:    [...string]
}

#Node: {
	hostname:      string & =~"^[a-zA-Z0-9][a-zA-Z0-9.-]*$"
	image:         string & !=""
	flavor:        string & !=""
	enabled:       bool
	applications?: [...#Application]
}

#Setup: {
	scaling_groups: [...#ScalingGroup]
	nodes:          [...#Node]
}
`
