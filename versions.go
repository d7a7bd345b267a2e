// Package fleet holds the module's version string, overridden at build
// time via ldflags.
package fleet

// Version is fleetd's version.
var Version = "0.1.0"
