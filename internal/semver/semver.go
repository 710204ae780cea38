// Package semver wraps github.com/Masterminds/semver/v3 for formula versions.
//
// Formula versions are free-form in practice (GNU projects publish "2.31.1",
// GRUB publishes "2.06"), so a version that does not parse is kept as an
// opaque string and only compared for equality.
package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a formula version.
type Version struct {
	raw string
	v   *mm.Version
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{raw: raw}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{raw: raw, v: v}, nil
}

// Loose parses raw and never fails; unparsable input becomes an opaque version.
func Loose(raw string) Version {
	v, _ := ParseVersion(raw)
	return v
}

// IsSemantic reports whether the version parsed as a semantic version.
func (v Version) IsSemantic() bool {
	return v.v != nil
}

func (v Version) String() string {
	return v.raw
}

// Compare compares a and b, returning:
// -1 if a < b
//
//	0 if a == b
//	1 if a > b
//
// Opaque versions compare equal only to an identical string; any other pair
// involving an opaque version reports ok=false.
func Compare(a, b Version) (cmp int, ok bool) {
	if a.v != nil && b.v != nil {
		return a.v.Compare(b.v), true
	}
	if a.raw == b.raw {
		return 0, true
	}
	return 0, false
}
