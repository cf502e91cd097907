package query

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects the retrieval strategy of a query.
type Mode string

const (
	ModeGraphVector  Mode = "graph+vector"
	ModeVectorOnly   Mode = "vector-only"
	ModeGraphOnly    Mode = "graph-only"
	ModeEntityVector Mode = "entity-vector"
	ModeCommunity    Mode = "community"
)

// Modes lists the built-in modes.
var Modes = []Mode{ModeGraphVector, ModeVectorOnly, ModeGraphOnly, ModeEntityVector, ModeCommunity}

var ErrUnknownMode = errors.New("unknown query mode")

func (m Mode) String() string {
	return string(m)
}

func (m Mode) IsValid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// ParseMode reads a mode name. Case and surrounding space are ignored, and
// "graph_vector" is accepted for "graph+vector" since a plus is awkward in
// query strings.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	if s == "graph-vector" || s == "graph vector" {
		s = string(ModeGraphVector)
	}
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}
