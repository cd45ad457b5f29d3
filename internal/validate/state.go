package validate

import (
	"time"

	"github.com/Undertaker-afk/FPS-Shooter/internal/protocol"
)

// Severity orders anti-cheat outcomes from least to most serious.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityViolation Severity = "violation"
	SeverityBan       Severity = "ban"
)

// Violation is one logged anti-cheat finding. The log is pruned to the
// trailing violationWindow on every append.
type Violation struct {
	Kind     string
	Severity Severity
	At       time.Time
	Detail   string
}

// PlayerState is the per-connection anti-cheat memory. It is created lazily
// on the first packet from a player and destroyed on disconnect; the owning
// lobby guarantees single-writer access, so there is no locking here.
type PlayerState struct {
	PlayerID string

	lastPosition  *protocol.Vec3
	lastShot      time.Time
	lastSequence  int64
	seqSeeded     bool
	lastTimestamp int64

	positionHistory []protocol.Vec3
	violations      []Violation
}

// NewPlayerState seeds validation state for a newly seen connection.
func NewPlayerState(playerID string) *PlayerState {
	return &PlayerState{
		PlayerID:        playerID,
		positionHistory: make([]protocol.Vec3, 0, positionHistoryLimit),
	}
}

// LastPosition returns the last accepted position, or false before any
// position packet has been accepted.
func (s *PlayerState) LastPosition() (protocol.Vec3, bool) {
	if s.lastPosition == nil {
		return protocol.Vec3{}, false
	}
	return *s.lastPosition, true
}

// History returns the bounded accepted-position history, oldest first.
func (s *PlayerState) History() []protocol.Vec3 {
	out := make([]protocol.Vec3, len(s.positionHistory))
	copy(out, s.positionHistory)
	return out
}

// Violations returns a copy of the current violation log.
func (s *PlayerState) Violations() []Violation {
	out := make([]Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// pruneLog drops log entries older than the trailing violation window.
func (s *PlayerState) pruneLog(now time.Time) {
	cutoff := now.Add(-violationWindow)
	kept := s.violations[:0]
	for _, v := range s.violations {
		if v.At.After(cutoff) {
			kept = append(kept, v)
		}
	}
	s.violations = kept
}

// counts tallies the windowed log by severity.
func (s *PlayerState) counts() (violations, warnings int) {
	for _, v := range s.violations {
		switch v.Severity {
		case SeverityViolation:
			violations++
		case SeverityWarning:
			warnings++
		}
	}
	return violations, warnings
}
