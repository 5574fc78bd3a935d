// Package pyver provides version parsing, comparison, and constraint matching
// for Python package versions. It implements a semantic-version model with
// optional pre-release and build metadata components.
package pyver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version represents a parsed package version with major.minor.patch
// components plus optional pre-release and build metadata.
type Version struct {
	// Major is the major version component.
	Major int `json:"major"`

	// Minor is the minor version component.
	Minor int `json:"minor"`

	// Patch is the patch version component.
	Patch int `json:"patch"`

	// Pre is the pre-release identifier (e.g. "rc.1", "beta.2"), empty for
	// release versions. A version with a pre-release identifier orders
	// before the corresponding release.
	Pre string `json:"pre,omitempty"`

	// Build is the build metadata (everything after "+"). Build metadata is
	// carried through formatting but ignored for ordering.
	Build string `json:"build,omitempty"`
}

// Parse parses a version string into a Version. Missing minor and patch
// components default to zero, so "1.2" parses the same as "1.2.0".
func Parse(s string) (Version, error) {
	orig := s
	if s == "" {
		return Version{}, &ParseError{Input: orig, Reason: "empty version"}
	}

	var v Version

	// Strip build metadata first; it does not participate in ordering.
	if i := strings.IndexByte(s, '+'); i >= 0 {
		v.Build = s[i+1:]
		s = s[:i]
		if v.Build == "" {
			return Version{}, &ParseError{Input: orig, Reason: "empty build metadata"}
		}
	}

	// Split off the pre-release identifier.
	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Pre = s[i+1:]
		s = s[:i]
		if v.Pre == "" {
			return Version{}, &ParseError{Input: orig, Reason: "empty pre-release identifier"}
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, &ParseError{Input: orig, Reason: "too many version components"}
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || p == "" || n < 0 {
			return Version{}, &ParseError{Input: orig, Reason: fmt.Sprintf("invalid component %q", p)}
		}
		nums[i] = n
	}

	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// MustParse parses a version string and panics on failure. Intended for
// static version literals.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical string form of the version. The canonical
// form always includes all three numeric components.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare returns -1, 0, or 1 depending on whether v orders before, equal
// to, or after other. Build metadata is ignored.
func (v Version) Compare(other Version) int {
	if c := cmpInt(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmpInt(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmpInt(v.Patch, other.Patch); c != 0 {
		return c
	}
	return comparePre(v.Pre, other.Pre)
}

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// Equal reports whether v and other are the same version, ignoring build
// metadata.
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

// IsPreRelease reports whether the version carries a pre-release identifier.
func (v Version) IsPreRelease() bool {
	return v.Pre != ""
}

// MarshalText implements encoding.TextMarshaler, formatting the version in
// its canonical string form. This also makes Version usable as a JSON map
// key.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// cmpInt compares two ints.
func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePre compares pre-release identifiers. An empty identifier (a
// release) orders after any non-empty one. Dot-separated segments are
// compared numerically when both are numeric, lexically otherwise; numeric
// segments order before alphanumeric segments.
func comparePre(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aNum := parseNumericSegment(as[i])
		bn, bNum := parseNumericSegment(bs[i])
		switch {
		case aNum && bNum:
			if c := cmpInt(an, bn); c != 0 {
				return c
			}
		case aNum:
			return -1
		case bNum:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	// The shorter identifier orders first when all shared segments match.
	return cmpInt(len(as), len(bs))
}

// parseNumericSegment parses a pre-release segment as a number, reporting
// whether it was purely numeric.
func parseNumericSegment(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortVersions sorts versions in place in ascending order.
func SortVersions(versions []Version) {
	// Insertion sort keeps this dependency-free; candidate lists are small.
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j].Less(versions[j-1]); j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
}

// SortVersionsDesc sorts versions in place in descending order.
func SortVersionsDesc(versions []Version) {
	SortVersions(versions)
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
}
