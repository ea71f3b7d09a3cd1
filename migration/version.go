package migration

import (
	"fmt"
	"strconv"
	"strings"
)

// Version identifies a migration's position in the required sequence.
//
// The zero value is Default and means the database has never been migrated.
type Version struct {
	n int64
}

// Default is version 0, the state of a database no migration has touched.
var Default = Version{}

// NewVersion returns the version for n. Negative values are rejected.
func NewVersion(n int64) (Version, error) {
	if n < 0 {
		return Default, fmt.Errorf("%w: version must not be negative, got %d", ErrInvalidArgument, n)
	}
	return Version{n: n}, nil
}

// MustVersion is like NewVersion but panics on invalid input. It is meant for
// migration definitions where the version is a literal.
func MustVersion(n int64) Version {
	v, err := NewVersion(n)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseVersion parses the canonical decimal form produced by String.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default, fmt.Errorf("%w: empty version", ErrInvalidArgument)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Default, fmt.Errorf("%w: invalid version %q", ErrInvalidArgument, s)
	}
	return NewVersion(n)
}

func (v Version) Int64() int64 { return v.n }

// IsDefault reports whether v is version 0.
func (v Version) IsDefault() bool { return v.n == 0 }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.n < o.n:
		return -1
	case v.n > o.n:
		return 1
	default:
		return 0
	}
}

func (v Version) Less(o Version) bool           { return v.n < o.n }
func (v Version) LessOrEqual(o Version) bool    { return v.n <= o.n }
func (v Version) Greater(o Version) bool        { return v.n > o.n }
func (v Version) GreaterOrEqual(o Version) bool { return v.n >= o.n }

func (v Version) String() string {
	return strconv.FormatInt(v.n, 10)
}

// MarshalText lets versions travel through flags, env vars and JSON keys.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MaxVersion returns the greatest of the given versions, or Default.
func MaxVersion(versions ...Version) Version {
	out := Default
	for _, v := range versions {
		if v.Greater(out) {
			out = v
		}
	}
	return out
}
