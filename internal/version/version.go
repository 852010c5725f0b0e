package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build identity for `segtrack version`.
func String() string {
	return fmt.Sprintf("segtrack %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
