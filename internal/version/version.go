// Package version holds build-time stamped version info for the openrec
// binaries, in the same spirit as the small version packages vendored by
// most CLI tools in this family: values are overridden at link time with
// -ldflags, and Print renders a one-line banner for --version/startup logs.
package version

import "fmt"

var (
	// Version is the semantic version of this build, set via -ldflags.
	Version = "dev"
	// Commit is the VCS revision this build was made from.
	Commit = "unknown"
	// BuildDate is when this build was produced, RFC3339.
	BuildDate = "unknown"
)

// Print renders a one-line version banner for the named binary.
func Print(program string) string {
	return fmt.Sprintf("%s version %s (commit %s, built %s)", program, Version, Commit, BuildDate)
}
