// Package version carries build information set with -ldflags.
package version

var (
	// Version is the release tag, e.g. v0.3.1.
	Version = "UNKNOWN"
	// GitCommit is the short commit hash of the build.
	GitCommit = "UNKNOWN"
)
