// Package scanner manages the registry of access scanners and authenticates
// their requests.
//
// Each device belongs to one tenant and carries a 256-bit bearer token, an
// optional IP allow-list and an optional token expiry. Gate.Authenticate runs
// the request checks in a fixed order and maintains a lockout counter:
//
//	Active --(threshold token mismatches)--> Locked
//	Locked --(lock expires | admin unlock | token regenerated)--> Active
//
// The counter is advanced with a single conditional UPDATE, so concurrent
// failures never lose increments and attempts during a lockout are not
// counted.
//
// ExportConfig produces the provisioning file loaded onto a device. It holds
// both the device token and the tenant signing secret.
package scanner
