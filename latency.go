package server

import (
	"math"
	"time"
)

// pingTracker keeps a bounded FIFO of round-trip samples per player. It is
// owned by the queue and shares its lock; samples are cleared whenever the
// player leaves the queue.
type pingTracker struct {
	samples map[string][]time.Duration
}

func newPingTracker() *pingTracker {
	return &pingTracker{samples: make(map[string][]time.Duration)}
}

// record appends a round-trip sample, keeping only the most recent
// pingSampleLimit entries.
func (t *pingTracker) record(playerID string, rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	window := append(t.samples[playerID], rtt)
	if len(window) > pingSampleLimit {
		window = window[len(window)-pingSampleLimit:]
	}
	t.samples[playerID] = window
}

// average returns the rounded mean latency in milliseconds, or
// unknownLatency before any sample exists.
func (t *pingTracker) average(playerID string) int {
	window := t.samples[playerID]
	if len(window) == 0 {
		return unknownLatency
	}
	var total float64
	for _, rtt := range window {
		total += float64(rtt.Milliseconds())
	}
	return int(math.Round(total / float64(len(window))))
}

// clear drops all samples for a player.
func (t *pingTracker) clear(playerID string) {
	delete(t.samples, playerID)
}
