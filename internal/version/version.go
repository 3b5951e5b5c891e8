// Package version carries build identification. The variables are
// stamped by the linker:
//
//	go build -ldflags "-X github.com/calyx-robotics/scancloud/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the release tag, "dev" for untagged builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String returns the one-line form used by startup banners and the
// monitor health endpoint.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
