// Package version parses odin-data release strings into their numeric
// components. Release strings follow "major.minor.patch" with an optional
// trailing qualifier separated by a dot or dash (e.g. "1.10.1-dev0").
package version

import (
	"fmt"
	"regexp"
)

var versionRegex = regexp.MustCompile(`^(\d+)[.-](\d+)[.-](\d+)`)

// Info holds the decomposed parts of a version string.
type Info struct {
	Full  string `json:"full"`
	Major string `json:"major"`
	Minor string `json:"minor"`
	Patch string `json:"patch"`
	Short string `json:"short"`
}

// Parse extracts major, minor and patch from a full version string. The
// qualifier after the patch number, if any, is kept only in Full.
func Parse(full string) (Info, error) {
	m := versionRegex.FindStringSubmatch(full)
	if m == nil {
		return Info{}, fmt.Errorf("malformed version string %q", full)
	}

	return Info{
		Full:  full,
		Major: m[1],
		Minor: m[2],
		Patch: m[3],
		Short: m[1] + "." + m[2] + "." + m[3],
	}, nil
}
