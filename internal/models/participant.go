package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MinParticipants = 2
	MaxParticipants = 6
)

var (
	ErrRosterSize    = fmt.Errorf("roster needs %d to %d participants", MinParticipants, MaxParticipants)
	ErrEmptyName     = errors.New("participant name cannot be empty")
	ErrDuplicateName = errors.New("participant names must be unique")
)

// Roster is the ordered list of participant display names for one session.
// Order is significant: it decides selection order in the UI and tie-breaking
// during speaker inference. A roster never changes once the session started.
type Roster []string

// NewRoster trims the given names and validates them as a roster.
func NewRoster(names []string) (Roster, error) {
	r := make(Roster, 0, len(names))
	for _, n := range names {
		r = append(r, strings.TrimSpace(n))
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks size, emptiness and uniqueness.
func (r Roster) Validate() error {
	if len(r) < MinParticipants || len(r) > MaxParticipants {
		return ErrRosterSize
	}
	seen := make(map[string]struct{}, len(r))
	for _, name := range r {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyName
		}
		if _, dup := seen[name]; dup {
			return ErrDuplicateName
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Contains reports whether name is part of the roster.
func (r Roster) Contains(name string) bool {
	for _, n := range r {
		if n == name {
			return true
		}
	}
	return false
}

// Clone returns an independent copy so callers cannot mutate engine state.
func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	copy(out, r)
	return out
}
