package version

import "fmt"

// Build metadata, injected at release time via
// -ldflags "-X github.com/roehann/cota/internal/version.Version=...".
var (
	// Version is the agent's semantic version.
	Version = "0.1.0"
	// Commit is the short git SHA the agent was built from, "none" for
	// local builds.
	Commit = "none"
	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Short returns the bare semantic version.
func Short() string {
	return Version
}

// Full renders the version together with commit and build time.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}
