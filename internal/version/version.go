// Package version carries build metadata stamped by the linker, e.g.
// -ldflags "-X mandi-price-engine/internal/version.Version=v1.2.0".
package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent identifies pricewatch to upstream price APIs.
func UserAgent() string {
	return fmt.Sprintf("pricewatch/%s (+%s)", Version, Commit)
}
