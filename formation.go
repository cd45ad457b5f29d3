package server

import "sort"

// queueEntry is one waiting player as seen by the formation algorithm. The
// pool is always built in queue order, so the stable sort breaks latency
// ties by queue position.
type queueEntry struct {
	id      string
	latency int // averaged ms, unknownLatency if no samples yet
}

// latencyCompatible reports whether a candidate fits a band anchored at
// first. Unknown latency is compatible with anything, so a fresh player can
// anchor or join any band.
func latencyCompatible(first, candidate queueEntry, tolerance int) bool {
	if first.latency == unknownLatency || candidate.latency == unknownLatency {
		return true
	}
	diff := candidate.latency - first.latency
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// selectLobbyMembers picks a full lobby out of the waiting pool, or nil when
// no compatible group reaches capacity this sweep.
//
// The pool is sorted by latency ascending (stable, so latency ties keep
// queue order) and cut into latency bands: maximal runs where every member
// is within tolerance of the band's first, lowest-latency member. The first
// band with enough players wins. When no single band is big enough, players
// are merged greedily across bands in order — still compared against the
// very first selected player's latency, not the evolving spread, so a late
// member may sit further than tolerance from an earlier non-first member.
func selectLobbyMembers(pool []queueEntry, capacity, tolerance int) []queueEntry {
	if len(pool) < capacity {
		return nil
	}

	sorted := make([]queueEntry, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].latency < sorted[j].latency
	})

	for _, band := range latencyBands(sorted, tolerance) {
		if len(band) >= capacity {
			return band[:capacity]
		}
	}

	// Merge fallback: walk the sorted pool from the front, admitting anyone
	// compatible with the first selected player.
	selected := make([]queueEntry, 0, capacity)
	for _, entry := range sorted {
		if len(selected) == 0 || latencyCompatible(selected[0], entry, tolerance) {
			selected = append(selected, entry)
			if len(selected) == capacity {
				return selected
			}
			continue
		}
		break
	}
	return nil
}

// latencyBands cuts a latency-sorted pool into maximal tolerance bands.
func latencyBands(sorted []queueEntry, tolerance int) [][]queueEntry {
	var bands [][]queueEntry
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && latencyCompatible(sorted[start], sorted[end], tolerance) {
			end++
		}
		bands = append(bands, sorted[start:end])
		start = end
	}
	return bands
}
