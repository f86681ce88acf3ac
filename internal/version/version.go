// Package version holds build information injected with -ldflags.
package version

import "fmt"

// Build metadata, overridden at link time:
//
//	-X github.com/bissquit/agentic-notifier/internal/version.Version=1.2.0
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for CLI output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
