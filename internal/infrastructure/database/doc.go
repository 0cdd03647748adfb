// Package database provides SQLite connectivity for the access core.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Embedded schema migrations (YYYYMMDD_HHMMSS_name.up.sql / .down.sql)
//   - Transaction helpers and constraint-violation detection
//   - Fixed-width timestamp encoding shared by all repositories
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600
//   - scanner_devices.api_token and signing_keys secrets are stored in this file;
//     protect backups accordingly
//
// Concurrency:
//
// The pool holds a single connection. Lockout counters, entitlement balances
// and login-code redemption are each one conditional UPDATE, so atomicity comes
// from the statement, not from application locks.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
