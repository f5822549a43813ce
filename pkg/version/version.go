// Package version holds the build version, set at link time with
// -ldflags "-X github.com/getpup/backfill-orchestrator/pkg/version.Version=v1.2.3".
package version

import "fmt"

var (
	// Version is the release version.
	Version = "devel"

	// CommitHash is the source revision the binary was built from.
	CommitHash = ""
)

// String returns the version with the commit hash when one was set.
func String() string {
	if CommitHash == "" {
		return Version
	}
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
