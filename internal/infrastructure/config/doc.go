// Package config handles loading and validating the access core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GYMACCESS_* environment variables
//   - Validation of required fields and security minimums
//   - Default value handling (QR window, lockout, login code limits)
//
// Security Considerations:
//   - Sensitive values (JWT secret, Redis/MQTT/SMTP passwords, Postgres URL) should be set via environment variables
//   - Admin API keys are stored only as SHA-256 digests
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Access.QRValidityMinutes)
package config
