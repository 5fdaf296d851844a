// Package config loads the capman engine configuration and the initial
// setup (scaling groups and nodes) from YAML, JSON or CUE files.
//
// # Formats
//
// The format is picked from the file extension. YAML and JSON are decoded
// with yaml.v3, so durations are Go duration strings ("10s", "1m30s") in
// both. CUE files are first unified with a built-in schema (#Config or
// #Setup) and then decoded the same way.
//
// # Validation
//
// Decoded values are checked with go-playground/validator struct tags and
// then with cross-field rules: duplicate scaling groups, duplicate
// hostnames, applications referring to undefined scaling groups and
// provider specific settings. All problems of a file are reported together
// in one InvalidConfigurationError.
//
// # Example
//
//	cfg, err := config.Load("capman.yaml")
//	if err != nil {
//	    return err
//	}
//	setup, err := config.LoadSetup(cfg.SetupPath)
//
// A setup file:
//
//	scaling_groups:
//	  - name: jpetstore
//	    application_folder: jpetstore
//	    start_application_script: start.sh
//	    wait_time_for_application_action: 5s
//	nodes:
//	  - hostname: node1
//	    image: ubuntu-jpetstore
//	    flavor: m1.small
//	    enabled: true
//	    applications:
//	      - name: petstore1
//	        scaling_group: jpetstore
package config
