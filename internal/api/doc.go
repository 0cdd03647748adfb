// Package api implements the HTTP API and live access feed of the access service.
//
// This package provides:
//   - POST /api/v1/scanner/validate, the scanner decision endpoint
//   - the email login code flow and the member QR endpoint
//   - per-tenant admin endpoints for scanners, member credentials,
//     entitlements, signing keys, access logs and statistics
//   - a WebSocket hub broadcasting recorded attempts to admin clients
//   - Prometheus metrics on /metrics
//
// # Security
//
// Scanners authenticate with their device token as a bearer token; the
// lockout and IP allow-list live in the scanner package. Admin requests
// carry an X-API-Key whose SHA-256 digest is bound to one tenant. Members
// use the short-lived JWT minted by the login code flow. WebSocket
// connections use single-use tickets to keep keys out of URLs.
//
// The scanner config export contains the device token and the tenant
// signing secret. Request logging records paths only, never bodies.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
