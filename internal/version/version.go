// Package version defines the agent's version and build metadata.
//
// CommitHash should be set using -ldflags during compilation, e.g.
//
//	-ldflags "-X github.com/stamn/agent/internal/version.CommitHash=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"strings"
)

// CommitHash stores the current git commit hash of this build.
var CommitHash string

// semanticAlphabet is the allowed characters for pre-release identifiers.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// Application version, semver 2.0.0.
const (
	appMajor uint = 0
	appMinor uint = 4
	appPatch uint = 0

	appPreRelease = ""
)

// Version returns the semantic version reported to the server in status
// reports.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if pre := normalizeVerString(appPreRelease); pre != "" {
		version += "-" + pre
	}
	return version
}

// RichVersion returns the semantic version along with the commit hash, when
// known.
func RichVersion() string {
	version := Version()
	if hash := strings.TrimSpace(CommitHash); hash != "" {
		return fmt.Sprintf("%s commit_hash=%s", version, hash)
	}
	return version
}

// UserAgent is sent on the websocket handshake.
func UserAgent() string {
	return "stamn-agent/" + Version()
}

func normalizeVerString(str string) string {
	var b strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
