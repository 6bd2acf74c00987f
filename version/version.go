// Package version holds the release and API version of watchd.
package version

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

var (
	// MinClientVersion is the oldest client API version the server answers.
	MinClientVersion = "0.1.0"
	Version          = "0.1.0"
	APIVersion       = "unknown"

	// GitSHA is set at build time with -ldflags.
	GitSHA = "Not provided (use ./build instead of go build)"
)

func init() {
	ver, err := semver.NewVersion(Version)
	if err == nil {
		APIVersion = fmt.Sprintf("%d.%d", ver.Major, ver.Minor)
	}
}

// Versions is the body served on /version.
type Versions struct {
	Server string `json:"watchd"`
	API    string `json:"api"`
	GitSHA string `json:"git_sha"`
}

// Get returns the versions of the running binary.
func Get() Versions {
	return Versions{Server: Version, API: APIVersion, GitSHA: GitSHA}
}

// Compatible reports whether a client speaking API version v can talk to
// this server: same major, and at least MinClientVersion.
func Compatible(v string) bool {
	cv, err := semver.NewVersion(complete(v))
	if err != nil {
		return false
	}
	min := semver.Must(semver.NewVersion(MinClientVersion))
	sv := semver.Must(semver.NewVersion(Version))
	return cv.Major == sv.Major && !cv.LessThan(*min)
}

// API only keeps the major.minor of version
func API(v string) string {
	vs := strings.Split(v, ".")
	if len(vs) <= 2 {
		return v
	}
	return fmt.Sprintf("%s.%s", vs[0], vs[1])
}

// complete pads a major.minor version with a zero patch.
func complete(v string) string {
	if strings.Count(v, ".") == 1 {
		return v + ".0"
	}
	return v
}
