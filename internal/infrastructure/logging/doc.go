// Package logging provides structured logging for the gym access core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the server and worker binaries.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Attribute redaction for credential-bearing keys (token, secret, code, ...)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, cfg.Service.Name, version)
//	logger.Info("scanner registered", "tenant", tenant, "device_number", n)
//
// # Security
//
// Device tokens, signing secrets, login codes and scanner config exports are
// never logged. Redaction is a backstop; log the tenant and device number instead.
package logging
