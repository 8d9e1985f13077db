// Package config handles loading and validating gatekeeper configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// GATEKEEPER_* environment variables. Validate reports every problem at once
// rather than stopping at the first.
//
// Signing secrets, the Redis and MQTT passwords and the InfluxDB token
// should come from the environment so the config file can stay in version
// control. Validation rejects access and refresh secrets shorter than 32
// characters or equal to each other.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	ttl := cfg.Security.JWT.AccessTTL()
package config
