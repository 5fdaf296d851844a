package config

import (
	"time"

	"github.com/openfroyo/capman/pkg/cloud/ec2"
	"github.com/openfroyo/capman/pkg/cloud/openstack"
	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/stores"
	"github.com/openfroyo/capman/pkg/telemetry"
	"github.com/openfroyo/capman/pkg/transports/ssh"
)

// Cloud provider names.
const (
	ProviderOpenStack = "openstack"
	ProviderEC2       = "ec2"
	ProviderSimulated = "simulated"
)

// Config is the engine configuration file.
type Config struct {
	// Execution is the retry policy of the organizer.
	Execution execution.Config `json:"execution" yaml:"execution"`

	// Cloud selects and configures the cloud controller.
	Cloud CloudConfig `json:"cloud" yaml:"cloud"`

	// SSH configures the remote shell used for application control.
	SSH ssh.Config `json:"ssh" yaml:"ssh"`

	// Store configures the execution history database. An empty path
	// disables persistence.
	Store stores.Config `json:"store" yaml:"store"`

	// Policy configures the admission gate.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// SetupPath points at the initial setup file.
	SetupPath string `json:"setup_path,omitempty" yaml:"setup_path,omitempty"`

	// ApplicationsFolder is the local folder holding one sub-folder per
	// scaling group. When set, application folders are uploaded to nodes
	// before a start.
	ApplicationsFolder string `json:"applications_folder,omitempty" yaml:"applications_folder,omitempty"`

	// TempFolder stages application folders during migrations.
	TempFolder string `json:"temp_folder,omitempty" yaml:"temp_folder,omitempty"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// CloudConfig selects the cloud controller.
type CloudConfig struct {
	// Provider is one of openstack, ec2 or simulated.
	Provider string `json:"provider" yaml:"provider" validate:"required,oneof=openstack ec2 simulated"`

	// OpenStack configures the nova controller.
	OpenStack OpenStackConfig `json:"openstack" yaml:"openstack"`

	// EC2 configures the EC2 controller.
	EC2 ec2.Config `json:"ec2" yaml:"ec2"`

	// Simulated configures the in-memory controller.
	Simulated SimulatedConfig `json:"simulated" yaml:"simulated"`
}

// OpenStackConfig is the nova controller configuration plus the CLI
// invocation settings.
type OpenStackConfig struct {
	openstack.Config `yaml:",inline"`

	// Binary is the nova executable.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`

	// Env holds extra KEY=VALUE pairs for the nova process.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// SimulatedConfig configures the in-memory controller.
type SimulatedConfig struct {
	// Delay is slept by every simulated call.
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// PolicyConfig configures the admission gate.
type PolicyConfig struct {
	// Enabled turns the admission gate on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists rego or JSON policy files and directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// DisableBuiltins skips the built-in policies.
	DisableBuiltins bool `json:"disable_builtins" yaml:"disable_builtins"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		Execution: execution.DefaultConfig(),
		Cloud: CloudConfig{
			Provider:  ProviderSimulated,
			OpenStack: OpenStackConfig{Config: openstack.DefaultConfig()},
			EC2:       ec2.Config{BootWait: 30 * time.Second},
		},
		SSH:        ssh.DefaultConfig("ubuntu"),
		Policy:     PolicyConfig{Enabled: true},
		TempFolder: "/tmp/capman",
		Telemetry:  *telemetry.DefaultConfig(),
	}
}
