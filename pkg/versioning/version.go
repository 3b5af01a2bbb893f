// Package versioning describes the helm-ops build and the wire formats it
// speaks.
package versioning

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Set at build time with -ldflags "-X .../versioning.Version=...".
var (
	Version   = "0.4.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// StabilityLevel indicates format stability.
type StabilityLevel string

const (
	StabilityExperimental StabilityLevel = "EXPERIMENTAL"
	StabilityStable       StabilityLevel = "STABLE"
)

// Format is a versioned document or protocol exchanged with other systems.
type Format struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Stability StabilityLevel `json:"stability"`
}

// Formats lists the wire formats this build produces.
func Formats() []Format {
	formats := []Format{
		{Name: "api", Version: "1.0.0", Stability: StabilityStable},
		{Name: "helm-ops-audit-remote-v1", Version: "1.0.0", Stability: StabilityStable},
		{Name: "helm-ops-audit-export-v1", Version: "1.0.0", Stability: StabilityStable},
		{Name: "helm-ops-evidence-v1", Version: "1.0.0", Stability: StabilityStable},
		{Name: "helm-ops-release-history-v1", Version: "1.0.0", Stability: StabilityExperimental},
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].Name < formats[j].Name })
	return formats
}

// Info is the build manifest.
type Info struct {
	AppName   string   `json:"app_name"`
	Version   string   `json:"app_version"`
	Commit    string   `json:"commit"`
	BuildTime string   `json:"build_time"`
	GoVersion string   `json:"go_version"`
	Formats   []Format `json:"formats"`
}

// Current returns the manifest of the running binary. It fails when the
// linked version string is not semver.
func Current() (Info, error) {
	v, err := semver.StrictNewVersion(Version)
	if err != nil {
		return Info{}, fmt.Errorf("invalid build version %q: %w", Version, err)
	}
	return Info{
		AppName:   "helm-ops",
		Version:   v.String(),
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Formats:   Formats(),
	}, nil
}

// Compatible reports whether a peer on version other can read documents
// produced by this build (same major version).
func Compatible(other string) (bool, error) {
	mine, err := semver.NewVersion(Version)
	if err != nil {
		return false, err
	}
	theirs, err := semver.NewVersion(other)
	if err != nil {
		return false, fmt.Errorf("invalid version string: %s", other)
	}
	return mine.Major() == theirs.Major(), nil
}

// ToJSON renders the manifest.
func (i Info) ToJSON() ([]byte, error) {
	//nolint:wrapcheck // error context is clear from method name
	return json.MarshalIndent(i, "", "  ")
}
