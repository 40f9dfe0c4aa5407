package drivekit

import (
	"fmt"
	"strings"
)

// MaxSegmentLen caps the byte length of a single path segment.
const MaxSegmentLen = 255

// Path is a validated, backend-agnostic file locator: an ordered sequence
// of non-empty segments below a backend's logical root. The zero value is
// the root itself. Paths are immutable; equality is case-sensitive and only
// meaningful between paths on the same backend.
type Path struct {
	segs []string
}

// ParsePath canonicalizes raw into a Path. Leading and trailing slashes are
// tolerated, empty segments between slashes are not. It rejects "." and ".."
// segments, NUL bytes, backslashes, and segments longer than MaxSegmentLen,
// returning ErrInvalidPath.
func ParsePath(raw string) (Path, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		if raw == "" || raw == "/" {
			return Path{}, nil
		}
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	segs := strings.Split(trimmed, "/")
	for _, seg := range segs {
		if err := validateSegment(seg); err != nil {
			return Path{}, fmt.Errorf("%w: %q", err, raw)
		}
	}
	return Path{segs: segs}, nil
}

func validateSegment(seg string) error {
	switch {
	case seg == "":
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	case seg == "." || seg == "..":
		return fmt.Errorf("%w: relative segment", ErrInvalidPath)
	case len(seg) > MaxSegmentLen:
		return fmt.Errorf("%w: segment exceeds %d bytes", ErrInvalidPath, MaxSegmentLen)
	case strings.ContainsAny(seg, "/\x00\\"):
		return fmt.Errorf("%w: forbidden character in segment", ErrInvalidPath)
	}
	return nil
}

// MustPath is ParsePath for compile-time-constant paths; it panics on
// invalid input. Intended for tests and examples.
func MustPath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String serializes the path with "/" separators and no leading slash.
// ParsePath(p.String()) always yields a path equal to p.
func (p Path) String() string {
	return strings.Join(p.segs, "/")
}

// IsRoot reports whether the path has no segments.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// Segments returns a copy of the path's segments.
func (p Path) Segments() []string {
	out := make([]string, len(p.segs))
	copy(out, p.segs)
	return out
}

// Depth returns the number of segments.
func (p Path) Depth() int {
	return len(p.segs)
}

// Name returns the final segment, or "" for the root.
func (p Path) Name() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

// Parent returns the path with the final segment removed. The parent of
// the root is the root.
func (p Path) Parent() Path {
	if len(p.segs) <= 1 {
		return Path{}
	}
	return Path{segs: p.segs[:len(p.segs)-1]}
}

// Join appends child (itself one or more segments) to p, re-validating
// every new segment.
func (p Path) Join(child string) (Path, error) {
	c, err := ParsePath(child)
	if err != nil {
		return Path{}, err
	}
	segs := make([]string, 0, len(p.segs)+len(c.segs))
	segs = append(segs, p.segs...)
	segs = append(segs, c.segs...)
	return Path{segs: segs}, nil
}

// Child appends a single validated segment.
func (p Path) Child(name string) (Path, error) {
	if err := validateSegment(name); err != nil {
		return Path{}, err
	}
	segs := make([]string, 0, len(p.segs)+1)
	segs = append(segs, p.segs...)
	segs = append(segs, name)
	return Path{segs: segs}, nil
}

// Equal reports segment-wise, case-sensitive equality.
func (p Path) Equal(q Path) bool {
	if len(p.segs) != len(q.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != q.segs[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether p's segments form a strict prefix of q's.
// The root is an ancestor of every non-root path; no path is its own
// ancestor.
func (p Path) IsAncestorOf(q Path) bool {
	if len(p.segs) >= len(q.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != q.segs[i] {
			return false
		}
	}
	return true
}
