// Package version carries the build stamp both trialmatch binaries log at
// startup. The values are overwritten by the release ldflags.
package version

//nolint:revive // Overwritten via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)
