// Package version holds build information injected at link time.
package version

// Build information. Overridden via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
