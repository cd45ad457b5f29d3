package server

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
)

func newTestQueue(mock *clock.Mock) *Queue {
	return NewQueue(zap.NewNop(), QueueOptions{Clock: mock})
}

func TestJoinReportsQueuePosition(t *testing.T) {
	q := newTestQueue(clock.NewMock())

	if pos := q.Join("player-1", "eu-west"); pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}
	if pos := q.Join("player-2", "eu-west"); pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}
}

func TestRejoinReplacesRecord(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	q.Join("player-1", "eu-west")
	sentAt := mock.Now().Add(-40 * time.Millisecond).UnixMilli()
	if _, ok := q.RecordPing("player-1", sentAt); !ok {
		t.Fatalf("RecordPing failed for queued player")
	}

	pos := q.Join("player-1", "us-east")
	if pos != 1 {
		t.Fatalf("rejoin should keep the queue slot, got position %d", pos)
	}
	if q.Len() != 1 {
		t.Fatalf("rejoin must not duplicate the record, pool size %d", q.Len())
	}

	// The replacement record starts over with unknown latency.
	diag := q.Diagnostics()
	if diag[0].Region != "us-east" || diag[0].AverageLatency != unknownLatency {
		t.Fatalf("expected replaced record, got %+v", diag[0])
	}
}

func TestRecordPingAverages(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)
	q.Join("player-1", "eu-west")

	for _, ms := range []int64{30, 50} {
		sentAt := mock.Now().Add(-time.Duration(ms) * time.Millisecond).UnixMilli()
		if _, ok := q.RecordPing("player-1", sentAt); !ok {
			t.Fatalf("RecordPing failed")
		}
	}

	avg, ok := q.RecordPing("player-1", mock.Now().Add(-40*time.Millisecond).UnixMilli())
	if !ok || avg != 40 {
		t.Fatalf("expected average 40, got %d ok=%v", avg, ok)
	}
}

func TestRecordPingUnknownPlayer(t *testing.T) {
	q := newTestQueue(clock.NewMock())
	if _, ok := q.RecordPing("player-ghost", 0); ok {
		t.Fatalf("expected RecordPing to fail for unqueued player")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	q := newTestQueue(clock.NewMock())
	q.Join("player-1", "eu-west")
	q.Leave("player-1")
	q.Leave("player-1")
	if q.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", q.Len())
	}
}

func TestHeartbeatTimeoutEviction(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	var evicted []string
	q.SetEvictHandler(func(playerID string) { evicted = append(evicted, playerID) })

	q.Join("player-1", "eu-west")
	q.Join("player-2", "eu-west")

	mock.Add(20 * time.Second)
	if !q.Heartbeat("player-2") {
		t.Fatalf("heartbeat failed for queued player")
	}
	mock.Add(15 * time.Second)

	q.Sweep()

	if q.Len() != 1 {
		t.Fatalf("expected one survivor, got %d", q.Len())
	}
	if len(evicted) != 1 || evicted[0] != "player-1" {
		t.Fatalf("expected player-1 evicted, got %v", evicted)
	}
	if q.Heartbeat("player-1") {
		t.Fatalf("evicted player should be gone")
	}
}

func TestFormationOnJoinRemovesAllMembers(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	var formed [][]playerRecord
	q.SetLobbyHandler(func(members []playerRecord) { formed = append(formed, members) })

	for _, id := range []string{"p1", "p2", "p3"} {
		q.Join(id, "eu-west")
	}
	if len(formed) != 0 {
		t.Fatalf("no lobby expected below capacity")
	}

	q.Join("p4", "eu-west")
	if len(formed) != 1 {
		t.Fatalf("expected one lobby after fourth join, got %d", len(formed))
	}
	if len(formed[0]) != lobbyCapacity {
		t.Fatalf("expected %d members, got %d", lobbyCapacity, len(formed[0]))
	}
	if q.Len() != 0 {
		t.Fatalf("formed members must leave the pool, %d remain", q.Len())
	}
	if formed[0][0].ID != "p1" {
		t.Fatalf("expected first queued player to anchor the lobby, got %s", formed[0][0].ID)
	}
}

func TestPendingSlotHeldOutOfFormation(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	var formed [][]playerRecord
	q.SetLobbyHandler(func(members []playerRecord) { formed = append(formed, members) })

	for _, id := range []string{"p1", "p2", "p3"} {
		q.Join(id, "eu-west")
	}
	q.JoinPending("ghost", "eu-west")

	if len(formed) != 0 {
		t.Fatalf("reserved slot must not complete a lobby, got %v", formed)
	}
	if q.Len() != 4 {
		t.Fatalf("expected 3 connected plus 1 reserved, got %d", q.Len())
	}
	q.Sweep()
	if len(formed) != 0 {
		t.Fatalf("sweep must not draft a reserved slot, got %v", formed)
	}

	// The player connecting for real clears the flag and completes the lobby.
	q.Join("ghost", "eu-west")
	if len(formed) != 1 {
		t.Fatalf("expected lobby once the player connects, got %d", len(formed))
	}
	members := map[string]bool{}
	for _, m := range formed[0] {
		members[m.ID] = true
	}
	if !members["ghost"] {
		t.Fatalf("connected player should be drafted, lobby %v", formed[0])
	}
	if q.Len() != 0 {
		t.Fatalf("formed members must leave the pool, %d remain", q.Len())
	}
}

func TestPendingSlotAgesOut(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	q.JoinPending("ghost", "eu-west")
	mock.Add(31 * time.Second)
	q.Sweep()

	if q.Len() != 0 {
		t.Fatalf("expected reserved slot evicted, pool size %d", q.Len())
	}
}

func TestJoinPendingKeepsConnectedRecord(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	var formed [][]playerRecord
	q.SetLobbyHandler(func(members []playerRecord) { formed = append(formed, members) })

	for _, id := range []string{"p1", "p2", "p3"} {
		q.Join(id, "eu-west")
	}
	// A stray handoff for someone already connected here must not demote
	// them to a reserved slot.
	q.JoinPending("p1", "eu-west")

	q.Join("p4", "eu-west")
	if len(formed) != 1 {
		t.Fatalf("expected lobby with all connected players, got %d", len(formed))
	}
	if formed[0][0].ID != "p1" {
		t.Fatalf("expected p1 to keep its slot, got %s", formed[0][0].ID)
	}
}

// seedPlayers inserts records with known latencies directly, the state the
// pool reaches once pings have been measured between sweeps.
func seedPlayers(q *Queue, latencies map[string]int, order []string) {
	now := q.clock.Now()
	q.mu.Lock()
	for _, id := range order {
		q.players[id] = &playerRecord{
			ID:             id,
			Region:         "eu-west",
			JoinedAt:       now,
			AverageLatency: latencies[id],
			LastHeartbeat:  now,
		}
		q.order = append(q.order, id)
	}
	q.mu.Unlock()
}

func TestSweepFormationRespectsLatencyBands(t *testing.T) {
	mock := clock.NewMock()
	q := newTestQueue(mock)

	var formed [][]playerRecord
	q.SetLobbyHandler(func(members []playerRecord) { formed = append(formed, members) })

	seedPlayers(q, map[string]int{"p1": 10, "p2": 40, "p3": 90, "p4": 200},
		[]string{"p1", "p2", "p3", "p4"})
	q.Sweep()
	if len(formed) != 0 {
		t.Fatalf("outlier should block formation, got %v", formed)
	}

	seedPlayers(q, map[string]int{"p5": 95}, []string{"p5"})
	q.Sweep()

	if len(formed) != 1 {
		t.Fatalf("expected lobby once a compatible fourth exists, got %d", len(formed))
	}
	members := map[string]bool{}
	for _, m := range formed[0] {
		members[m.ID] = true
	}
	if members["p4"] {
		t.Fatalf("outlier p4 must stay queued, lobby %v", formed[0])
	}
	if q.Len() != 1 {
		t.Fatalf("expected only the outlier to remain, got %d", q.Len())
	}
}

func TestQueueCheckpointRestore(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	mock := clock.NewMock()
	q := NewQueue(zap.NewNop(), QueueOptions{Clock: mock, Store: store})
	q.Join("player-1", "eu-west")
	q.Join("player-2", "us-east")

	restarted := NewQueue(zap.NewNop(), QueueOptions{Clock: mock, Store: store})
	if restarted.Len() != 2 {
		t.Fatalf("expected restored pool of 2, got %d", restarted.Len())
	}
	diag := restarted.Diagnostics()
	if diag[0].ID != "player-1" || diag[1].ID != "player-2" {
		t.Fatalf("expected queue order preserved, got %+v", diag)
	}
}
