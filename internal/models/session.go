package models

import "time"

// State is the lifecycle position of a mediation session.
type State string

const (
	StateSetup              State = "setup"
	StateOpening            State = "opening"
	StateActive             State = "active"
	StateChoosingResolution State = "choosing_resolution"
	StateSaving             State = "saving"
	StateEnded              State = "ended"
)

// Resolution is the outcome picked when a session closes. Empty means unset.
type Resolution string

const (
	ResolutionResolved   Resolution = "resolved"
	ResolutionUnresolved Resolution = "unresolved"
)

// Valid reports whether r is one of the two pickable outcomes.
func (r Resolution) Valid() bool {
	return r == ResolutionResolved || r == ResolutionUnresolved
}

// Conversation is the persisted form of one mediation session.
type Conversation struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	Participants Roster     `json:"participants"`
	Status       State      `json:"status"`
	Resolution   Resolution `json:"resolution,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Messages     []Message  `json:"messages"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SessionCode is the metadata behind an entry code handed to students.
type SessionCode struct {
	Code      string    `json:"code"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its lifetime at the given instant.
func (c SessionCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
