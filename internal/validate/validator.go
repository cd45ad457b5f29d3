// Package validate classifies relayed gameplay packets as accept, flag, or
// reject and escalates repeat offenders. It is a pure function library: all
// mutation is confined to the PlayerState passed in, and the caller supplies
// the current time, so the same inputs always produce the same decision.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/Undertaker-afk/FPS-Shooter/internal/protocol"
)

const (
	// Timestamp tolerance: packets stamped further ahead than this are
	// treated as clock manipulation, packets stamped earlier than the last
	// accepted timestamp minus replayTolerance as replays.
	futureTolerance = 5 * time.Second
	replayTolerance = 1 * time.Second

	// Sequence gaps up to this many lost packets are tolerated as jitter.
	maxSequenceGap = 10

	// Movement limits per accepted packet.
	maxDisplacement = 50.0
	maxVelocity     = 20.0

	// Shooting limits.
	minShotInterval    = 50 * time.Millisecond
	directionTolerance = 0.01
	maxOriginOffset    = 5.0

	positionHistoryLimit = 20
	violationWindow      = 5 * time.Minute

	// Escalation thresholds over the trailing violation window.
	banThreshold       = 5
	violationThreshold = 3
	warningThreshold   = 10
)

// Result is the classification of one packet. Valid reports whether the
// caller may forward the packet; Severity is set whenever the packet tripped
// a check, including non-blocking warnings.
type Result struct {
	Valid    bool
	Severity Severity
	Kind     string
	Detail   string
}

func accept() Result {
	return Result{Valid: true}
}

// reject is a hard reject outside the escalation policy (duplicate or
// malformed traffic, not cheating evidence).
func reject(kind, detail string) Result {
	return Result{Valid: false, Kind: kind, Detail: detail}
}

// Check runs the validation pipeline against state, short-circuiting on the
// first tripped stage, and updates state for every accepted packet. Sequence
// gap warnings do not stop the pipeline; their detail is attached to the
// final result when everything else passes.
func Check(state *PlayerState, pkt protocol.Packet, now time.Time) Result {
	if res := checkTimestamp(state, pkt, now); res != nil {
		return *res
	}

	hard, gapWarning := checkSequence(state, pkt, now)
	if hard != nil {
		return *hard
	}

	var typed *Result
	switch pkt.Kind {
	case protocol.PacketPosition:
		typed = checkPosition(state, pkt, now)
	case protocol.PacketShoot:
		typed = checkShoot(state, pkt, now)
	}
	if typed != nil {
		return *typed
	}
	if gapWarning != nil {
		return *gapWarning
	}
	return accept()
}

// checkTimestamp flags packets from the future (client clock manipulation)
// and packets stamped before the previously accepted timestamp (replay). The
// last-accepted timestamp only advances on a pass.
func checkTimestamp(state *PlayerState, pkt protocol.Packet, now time.Time) *Result {
	if pkt.Timestamp > now.Add(futureTolerance).UnixMilli() {
		res := RecordViolation(state, "timestamp_future", SeverityViolation,
			fmt.Sprintf("timestamp %d ahead of server time", pkt.Timestamp), now)
		return &res
	}
	if state.lastTimestamp > 0 && pkt.Timestamp < state.lastTimestamp-replayTolerance.Milliseconds() {
		res := RecordViolation(state, "timestamp_replay", SeverityViolation,
			fmt.Sprintf("timestamp %d behind last accepted %d", pkt.Timestamp, state.lastTimestamp), now)
		return &res
	}
	state.lastTimestamp = pkt.Timestamp
	return nil
}

// checkSequence seeds the counter on the first packet, hard-rejects
// duplicate or reordered traffic, and flags large gaps without blocking the
// packet. The counter advances to the packet's sequence either way.
func checkSequence(state *PlayerState, pkt protocol.Packet, now time.Time) (hard, warning *Result) {
	if !state.seqSeeded {
		state.seqSeeded = true
		state.lastSequence = pkt.Sequence
		return nil, nil
	}

	gap := pkt.Sequence - (state.lastSequence + 1)
	if gap < 0 {
		res := reject("sequence_duplicate",
			fmt.Sprintf("sequence %d not after last accepted %d", pkt.Sequence, state.lastSequence))
		return &res, nil
	}

	state.lastSequence = pkt.Sequence
	if gap > maxSequenceGap {
		res := RecordViolation(state, "sequence_gap", SeverityWarning,
			fmt.Sprintf("sequence gap of %d packets", gap), now)
		if !res.Valid {
			return &res, nil
		}
		return nil, &res
	}
	return nil, nil
}

// checkPosition enforces per-packet displacement and reported velocity
// limits. An impossible move is flagged but the new position is still
// recorded so a single glitch does not cascade into false positives.
func checkPosition(state *PlayerState, pkt protocol.Packet, now time.Time) *Result {
	pos := pkt.Data.Position
	if pos == nil {
		res := reject("malformed_position", "position packet without position payload")
		return &res
	}

	var tripped *Result
	if state.lastPosition != nil {
		displacement := pos.DistanceTo(*state.lastPosition)
		if displacement > maxDisplacement {
			res := RecordViolation(state, "teleport", SeverityViolation,
				fmt.Sprintf("moved %.1f units in one packet", displacement), now)
			tripped = &res
		} else if pkt.Data.Velocity != nil {
			if speed := pkt.Data.Velocity.Length(); speed > maxVelocity {
				res := RecordViolation(state, "speed", SeverityViolation,
					fmt.Sprintf("reported velocity %.1f units/s", speed), now)
				tripped = &res
			}
		}
	}

	state.lastPosition = pos
	if tripped != nil {
		return tripped
	}

	state.positionHistory = append(state.positionHistory, *pos)
	if len(state.positionHistory) > positionHistoryLimit {
		state.positionHistory = state.positionHistory[1:]
	}
	return nil
}

// checkShoot enforces the fire-rate floor and sanity-checks the shot
// geometry. The last-shot time advances even on a fire-rate violation so a
// burst does not produce one violation per packet forever.
func checkShoot(state *PlayerState, pkt protocol.Packet, now time.Time) *Result {
	if !state.lastShot.IsZero() && now.Sub(state.lastShot) < minShotInterval {
		interval := now.Sub(state.lastShot)
		state.lastShot = now
		res := RecordViolation(state, "fire_rate", SeverityViolation,
			fmt.Sprintf("shot interval %s below minimum", interval), now)
		return &res
	}
	state.lastShot = now

	if dir := pkt.Data.Direction; dir != nil {
		if math.Abs(dir.Length()-1) > directionTolerance {
			res := RecordViolation(state, "shot_direction", SeverityWarning,
				fmt.Sprintf("direction magnitude %.3f not unit length", dir.Length()), now)
			return &res
		}
	}

	if origin := pkt.Data.Origin; origin != nil && state.lastPosition != nil {
		if offset := origin.DistanceTo(*state.lastPosition); offset > maxOriginOffset {
			res := RecordViolation(state, "shot_origin", SeverityWarning,
				fmt.Sprintf("shot origin %.1f units from player", offset), now)
			return &res
		}
	}
	return nil
}

// RecordViolation appends a finding to the player's windowed log and applies
// the escalation policy: enough violations in the window escalate to a ban,
// fewer to a blocking violation, a pile of warnings to a violation, and
// anything below threshold passes through as a non-blocking warning.
func RecordViolation(state *PlayerState, kind string, severity Severity, detail string, now time.Time) Result {
	state.violations = append(state.violations, Violation{
		Kind:     kind,
		Severity: severity,
		At:       now,
		Detail:   detail,
	})
	state.pruneLog(now)

	violations, warnings := state.counts()
	switch {
	case violations >= banThreshold:
		return Result{Valid: false, Severity: SeverityBan, Kind: kind, Detail: detail}
	case violations >= violationThreshold:
		return Result{Valid: false, Severity: SeverityViolation, Kind: kind, Detail: detail}
	case warnings >= warningThreshold:
		return Result{Valid: false, Severity: SeverityViolation, Kind: kind, Detail: detail}
	default:
		return Result{Valid: true, Severity: SeverityWarning, Kind: kind, Detail: detail}
	}
}
