// Package common holds process-wide identifiers.
package common

// PackageName prefixes metric names and identifies the daemon in logs.
const PackageName = "atomica"

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"
