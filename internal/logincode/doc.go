// Package logincode implements the email one-time code login for the member
// portal.
//
// An Authority stores six-digit codes in SQLite. Issuing a code invalidates
// the member's earlier unused codes, and verification consumes the code with
// a conditional UPDATE so it grants at most once. A Limiter keeps per
// (tenant, ip, email) send and verify budgets in Redis as Lua fixed windows.
//
// Service ties these together. Send never reveals whether an email belongs to
// a member, and the email itself is delivered by the worker through the
// asynq queue. Verify mints an HS256 member session on success.
package logincode
