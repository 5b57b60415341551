package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned when a version string cannot be parsed.
var ErrInvalidFormat = errors.New("invalid version format")

// Version is a semantic version triple. Ordering is lexicographic on
// (Major, Minor, Patch).
type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse parses a version string of the form "MAJOR[.MINOR[.PATCH]]".
// Missing segments default to zero. The patch segment may carry a
// "-suffix" (e.g. "1.2.3-rc1") which is stripped before parsing.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty string", ErrInvalidFormat)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: %q has more than three segments", ErrInvalidFormat, s)
	}

	var v Version
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		if i == 2 {
			// Tolerate pre-release suffixes on the patch segment.
			part, _, _ = strings.Cut(part, "-")
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		*fields[i] = n
	}

	return v, nil
}

// MustParse is like Parse but panics on error. Intended for constants
// and test fixtures.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version as "MAJOR.MINOR.PATCH".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MarshalText implements encoding.TextMarshaler so versions serialize
// as "MAJOR.MINOR.PATCH" strings in JSON payloads.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Compare returns a negative number if v < other, zero if equal, and a
// positive number if v > other. Major is compared first.
func Compare(v, other Version) int {
	if d := v.Major - other.Major; d != 0 {
		return d
	}
	if d := v.Minor - other.Minor; d != 0 {
		return d
	}
	return v.Patch - other.Patch
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	return Compare(v, other) >= 0
}

// IsCompatible reports whether an API at version current satisfies a
// consumer compiled against required. Compatibility follows semantic
// versioning: majors must match and the required minor must not exceed
// the current minor. Patch is deliberately not load-bearing, even for
// exact pinned requirements.
func IsCompatible(current, required Version) bool {
	return required.Major == current.Major && required.Minor <= current.Minor
}

// SupportsMinimum reports whether a candidate's declared minimum version
// is serviceable by a platform running platformMax while still supporting
// platformMinimumSupported as its floor.
func SupportsMinimum(candidateMin, platformMax, platformMinimumSupported Version) bool {
	if candidateMin.Major < platformMinimumSupported.Major {
		return false
	}
	if candidateMin.Major > platformMax.Major {
		return false
	}
	if candidateMin.Major == platformMinimumSupported.Major && candidateMin.Minor < platformMinimumSupported.Minor {
		return false
	}
	if candidateMin.Major == platformMax.Major {
		return candidateMin.Minor <= platformMax.Minor
	}
	return true
}

// Range is an inclusive min/max pair of API versions a registration was
// compiled against. A zero Max means "no upper bound".
type Range struct {
	Min Version
	Max Version
}

// Contains reports whether current falls inside the range under the
// platform's compatibility rules: current must be compatible with Min,
// and must not exceed Max when Max is set. A zero bound is unbounded.
func (r Range) Contains(current Version) bool {
	if r.Min != (Version{}) && !IsCompatible(current, r.Min) {
		return false
	}
	if r.Max != (Version{}) && Compare(current, r.Max) > 0 {
		return false
	}
	return true
}
