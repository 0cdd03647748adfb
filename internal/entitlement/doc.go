// Package entitlement resolves whether a member may use the gym or one of the
// sub-services, and stores the per-member credential settings (QR and NFC).
//
// Metered services (solarium minutes, vending cents, massage sessions) carry
// an integer balance that is drawn down atomically by Consume. Coffee is a
// flat rate with an optional expiry.
package entitlement
