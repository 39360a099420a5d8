// Package version holds the build version.
package version

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// Get returns the current build version.
func Get() string {
	return Version
}
