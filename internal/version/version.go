// Package version carries build identification for the QCFlow binaries.
// The variables are stamped at link time via -ldflags; workers also report
// Version in their heartbeats so a mixed fleet is visible to operators.
package version

import "runtime"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
