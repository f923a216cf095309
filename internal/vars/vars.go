// Package vars holds build-time variables populated via the linker (ldflags).
//
// Version doubles as the protocol version reported in handshake replies, so
// master, daemons and proxies built from the same tag announce the same value.
package vars

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// License of the project
const License = "AGPL-3.0"

var (
	// Name of the project
	Name = "Drover"

	// Version is the git tag of the build, e.g. v1.2.3
	Version = "dev"

	// Commit is the git SHA of the build
	Commit = "unknown"

	// Revision is the commit count of the build
	Revision = 0

	// BuildTime in UTC
	BuildTime = time.Unix(0, 0)

	// URL of the repository
	URL = "https://github.com/woozymasta/drover"

	// raw ldflags values, parsed in init
	_revision  string
	_buildTime string
)

func init() {
	if n, err := strconv.Atoi(_revision); err == nil {
		Revision = n
	}

	if t, err := time.Parse(time.RFC3339, _buildTime); err == nil {
		BuildTime = t.UTC()
	}
}

// Print writes the build information for --version.
func Print() {
	fmt.Printf("%s %s\n  commit:   %s (r%d)\n  built:    %s\n  binary:   %s\n  source:   %s\n  license:  %s\n",
		Name, Version, Commit, Revision, BuildTime.Format(time.RFC3339), os.Args[0], URL, License)
}

// CommitShort returns the first 7 characters of the git commit hash.
func CommitShort() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}

	return Commit
}

// String returns "Name version (commit)" for startup logs.
func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, CommitShort())
}
