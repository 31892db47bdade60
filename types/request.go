package types

import (
	"fmt"
	"strings"
)

// RequestClass is a coarse priority lane, independent of numeric priority.
type RequestClass string

// Request class constants.
const (
	ClassInteractive RequestClass = "interactive"
	ClassThumbnail   RequestClass = "thumbnail"
	ClassPrefetch    RequestClass = "prefetch"
)

// RequestClasses returns every class in dispatch precedence order:
// interactive before thumbnail before prefetch.
func RequestClasses() []RequestClass {
	return []RequestClass{ClassInteractive, ClassThumbnail, ClassPrefetch}
}

// Precedence returns the dispatch rank of the class. Lower ranks are served first.
// Unknown classes rank after prefetch.
func (c RequestClass) Precedence() int {
	switch c {
	case ClassInteractive:
		return 0
	case ClassThumbnail:
		return 1
	case ClassPrefetch:
		return 2
	default:
		return 3
	}
}

// ParseRequestClass parses a request class name.
func ParseRequestClass(s string) (RequestClass, error) {
	switch c := RequestClass(strings.ToLower(s)); c {
	case ClassInteractive, ClassThumbnail, ClassPrefetch:
		return c, nil
	default:
		return "", fmt.Errorf("invalid request class: %q (must be interactive, thumbnail, or prefetch)", s)
	}
}

// LoadRequest describes one frame fetch submitted for scheduling.
// Lower Priority values are more urgent.
type LoadRequest struct {
	ID       Identifier
	Class    RequestClass
	Priority int
	Options  LoadOptions
}
