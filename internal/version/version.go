// Package version carries build metadata stamped in by the linker.
package version

import "fmt"

// Set at build time, e.g.
// go build -ldflags "-X github.com/pysugar/oauth2-credentials/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String is the one-line form printed by `oauth2cred version`.
func String() string {
	return fmt.Sprintf("oauth2cred %s (commit %s, built %s)", Version, Commit, BuildTime)
}
