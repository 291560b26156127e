// Package config handles loading and validating the Hue synchronisation service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of ranges the gateways tolerate
//   - Default value handling
//
// Security Considerations:
//   - Gateway usernames are bearer credentials; prefer storing them in the
//     database (huesync pair) over the config file
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - Config.String redacts usernames and is the only form that should be logged
//
// Usage:
//
//	cfg, err := config.Load("configs/huesync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateways.Hosts)
package config
