package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSetupYAML = `
scaling_groups:
  - name: jpetstore
    application_folder: jpetstore
    start_application_script: start.sh
    wait_time_for_application_action: 5s
nodes:
  - hostname: node1
    image: ubuntu-jpetstore
    flavor: m1.small
    enabled: true
    applications:
      - name: petstore1
        scaling_group: jpetstore
        arguments: ["-port", "8080"]
  - hostname: node2
    image: ubuntu-jpetstore
    flavor: m1.small
    enabled: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"capman.yaml", FormatYAML, false},
		{"capman.YML", FormatYAML, false},
		{"capman.json", FormatJSON, false},
		{"capman.cue", FormatCUE, false},
		{"capman.properties", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatOf(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatOf() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FormatOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoad_DefaultsSurvive(t *testing.T) {
	path := writeFile(t, "capman.yaml", `
execution:
  max_tries: 5
cloud:
  provider: simulated
  simulated:
    delay: 10ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Execution.MaxTries != 5 {
		t.Errorf("Expected max tries 5, got %d", cfg.Execution.MaxTries)
	}
	if cfg.Execution.RetryInterval != 10*time.Second {
		t.Errorf("Expected default retry interval, got %s", cfg.Execution.RetryInterval)
	}
	if cfg.Cloud.Simulated.Delay != 10*time.Millisecond {
		t.Errorf("Expected delay 10ms, got %s", cfg.Cloud.Simulated.Delay)
	}
	if cfg.Telemetry.Logging.Level != "info" {
		t.Errorf("Expected default log level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "capman.json", `{
  "execution": {"max_tries": 2, "retry_interval": "1s"},
  "cloud": {"provider": "ec2", "ec2": {"region": "eu-central-1"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Execution.RetryInterval != time.Second {
		t.Errorf("Expected retry interval 1s, got %s", cfg.Execution.RetryInterval)
	}
	if cfg.Cloud.Provider != ProviderEC2 || cfg.Cloud.EC2.Region != "eu-central-1" {
		t.Errorf("Unexpected cloud config: %+v", cfg.Cloud)
	}
}

func TestLoad_CUE(t *testing.T) {
	path := writeFile(t, "capman.cue", `
execution: {
	max_tries:      4
	retry_interval: "2s"
}
cloud: {
	provider: "openstack"
	openstack: {
		key_pair_name: "capman"
		network:       "private"
	}
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Execution.MaxTries != 4 || cfg.Execution.RetryInterval != 2*time.Second {
		t.Errorf("Unexpected execution config: %+v", cfg.Execution)
	}
	if cfg.Cloud.OpenStack.KeyPairName != "capman" || cfg.Cloud.OpenStack.Network != "private" {
		t.Errorf("Unexpected openstack config: %+v", cfg.Cloud.OpenStack)
	}
	if cfg.Cloud.OpenStack.PollAttempts != 5 {
		t.Errorf("Expected default poll attempts, got %d", cfg.Cloud.OpenStack.PollAttempts)
	}
}

func TestLoad_CUESchemaViolation(t *testing.T) {
	path := writeFile(t, "capman.cue", `
execution: max_tries: 0
`)

	_, err := Load(path)
	var invalid *InvalidConfigurationError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidConfigurationError, got %v", err)
	}
	if len(invalid.Errors) == 0 {
		t.Error("Expected at least one validation error")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "unknown provider",
			content: "cloud:\n  provider: azure\n",
			wantMsg: "provider",
		},
		{
			name:    "ec2 without region",
			content: "cloud:\n  provider: ec2\n",
			wantMsg: "cloud.ec2.region",
		},
		{
			name:    "zero tries",
			content: "execution:\n  max_tries: 0\n",
			wantMsg: "max_tries",
		},
		{
			name:    "bad log level",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantMsg: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "capman.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestLoadSetup_YAML(t *testing.T) {
	path := writeFile(t, "setup.yaml", testSetupYAML)

	setup, err := LoadSetup(path)
	if err != nil {
		t.Fatalf("LoadSetup failed: %v", err)
	}

	if len(setup.ScalingGroups) != 1 {
		t.Fatalf("Expected 1 scaling group, got %d", len(setup.ScalingGroups))
	}
	if setup.ScalingGroups[0].WaitTimeForApplicationAction != 5*time.Second {
		t.Errorf("Expected wait time 5s, got %s", setup.ScalingGroups[0].WaitTimeForApplicationAction)
	}
	enabled := setup.EnabledNodes()
	if len(enabled) != 1 || enabled[0].Hostname != "node1" {
		t.Fatalf("Expected node1 to be the only enabled node, got %+v", enabled)
	}
	if len(enabled[0].Applications) != 1 || len(enabled[0].Applications[0].Arguments) != 2 {
		t.Errorf("Unexpected applications: %+v", enabled[0].Applications)
	}
}

func TestLoadSetup_CUE(t *testing.T) {
	path := writeFile(t, "setup.cue", `
scaling_groups: [{
	name:                     "jpetstore"
	application_folder:       "jpetstore"
	start_application_script: "start.sh"
}]
nodes: [for i in [1, 2] {
	hostname: "node\(i)"
	image:    "ubuntu"
	flavor:   "m1.small"
	enabled:  true
	applications: [{name: "petstore\(i)", scaling_group: "jpetstore"}]
}]
`)

	setup, err := LoadSetup(path)
	if err != nil {
		t.Fatalf("LoadSetup failed: %v", err)
	}
	if len(setup.EnabledNodes()) != 2 {
		t.Fatalf("Expected 2 enabled nodes, got %d", len(setup.EnabledNodes()))
	}
	if setup.Nodes[1].Applications[0].Name != "petstore2" {
		t.Errorf("Expected petstore2, got %s", setup.Nodes[1].Applications[0].Name)
	}
}

func TestLoadSetup_CrossFieldErrors(t *testing.T) {
	path := writeFile(t, "setup.yaml", `
scaling_groups:
  - name: jpetstore
    application_folder: jpetstore
    start_application_script: start.sh
  - name: jpetstore
    application_folder: other
    start_application_script: start.sh
nodes:
  - hostname: node1
    image: ubuntu
    flavor: m1.small
    enabled: true
    applications:
      - name: shop
        scaling_group: webshop
  - hostname: node1
    image: ubuntu
    flavor: m1.small
    enabled: true
`)

	_, err := LoadSetup(path)
	var invalid *InvalidConfigurationError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidConfigurationError, got %v", err)
	}

	want := []string{"duplicate scaling group", "undefined scaling group", "duplicate hostname"}
	for _, w := range want {
		found := false
		for _, ve := range invalid.Errors {
			if strings.Contains(ve.Message, w) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected an error containing %q, got %v", w, invalid.Errors)
		}
	}
}

func TestLoadSetup_MissingFields(t *testing.T) {
	path := writeFile(t, "setup.yaml", `
scaling_groups:
  - name: jpetstore
nodes: []
`)

	_, err := LoadSetup(path)
	if err == nil {
		t.Fatal("Expected error for missing scaling group fields")
	}
	if !strings.Contains(err.Error(), "application_folder") {
		t.Errorf("Expected error to name application_folder, got %v", err)
	}
}
