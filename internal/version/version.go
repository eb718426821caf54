// Package version holds build version information for taskherd.
package version

// Version is the current taskherd version, overridden at build time via
// -ldflags "-X github.com/taskherd/taskherd/internal/version.Version=...".
var Version = "0.1.0-dev"

// Get returns the current version string.
func Get() string {
	return Version
}
