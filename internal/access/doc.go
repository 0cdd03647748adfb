// Package access validates credentials presented at scanners.
//
// The denial taxonomy itself lives in package outcome so that every stage of
// the pipeline can return decisions without importing this package.
package access
