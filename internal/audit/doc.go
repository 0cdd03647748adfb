// Package audit records every access validation and reports on them.
//
// Attempts are append-only rows with time-sortable ULID IDs. Recorder writes
// them off the request path through a bounded channel; a full buffer drops
// the attempt rather than delaying a door. After each write the registered
// observers (event publisher, time series, live feed, metrics) are notified.
//
// Two Repository backends exist: SQLite, sharing the main database, and
// Postgres for deployments that keep the audit trail centrally.
package audit
