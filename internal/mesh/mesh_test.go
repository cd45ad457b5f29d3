package mesh

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
)

func newTestCoordinator(t *testing.T, mock *clock.Mock) *Coordinator {
	t.Helper()
	c, err := New(WorkerInfo{
		ID:       "node-self",
		Region:   "eu-west",
		Endpoint: "http://node-self:8080",
	}, "test-secret", zap.NewNop(), Options{Clock: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRegisterRequiresAllFields(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	err := c.Register(WorkerInfo{ID: "node-b", Region: "us-east"})
	if !errors.Is(err, ErrInvalidWorker) {
		t.Fatalf("expected ErrInvalidWorker, got %v", err)
	}
}

func TestHeartbeatUnregistered(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	err := c.Heartbeat("node-ghost", Load{ActivePlayers: 1})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestScoreWeights(t *testing.T) {
	base := Worker{WorkerInfo: WorkerInfo{ID: "a", Region: "us-east", Endpoint: "http://a"}}

	matched := base
	matched.Region = "eu-west"
	if diff := Score(matched, "eu-west") - Score(base, "eu-west"); math.Abs(diff-50) > 1e-9 {
		t.Fatalf("region match must be worth exactly 50 points, got %.3f", diff)
	}

	loaded := base
	loaded.Load.ActivePlayers = 1000
	if diff := Score(base, "eu-west") - Score(loaded, "eu-west"); math.Abs(diff-30) > 1e-9 {
		t.Fatalf("1000 players must cost exactly 30 points, got %.3f", diff)
	}

	busy := base
	busy.Load.CPUPercent = 50
	if diff := Score(base, "eu-west") - Score(busy, "eu-west"); math.Abs(diff-10) > 1e-9 {
		t.Fatalf("50%% cpu must cost exactly 10 points, got %.3f", diff)
	}
}

func TestScoreRegionMatchIsExact(t *testing.T) {
	w := Worker{WorkerInfo: WorkerInfo{ID: "a", Region: "eu-west", Endpoint: "http://a"}}

	if got := Score(w, "EU-WEST"); got != baseScore {
		t.Fatalf("region tags compare exactly, got score %.3f", got)
	}
	if got := Score(w, "eu-west"); got != baseScore+regionBonus {
		t.Fatalf("exact match must earn the bonus, got score %.3f", got)
	}
}

func TestBestWorkerPrefersRegionMatch(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCoordinator(t, mock)

	if err := c.Register(WorkerInfo{ID: "node-b", Region: "us-east", Endpoint: "http://node-b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	best := c.BestWorker("us-east")
	if best.ID != "node-b" {
		t.Fatalf("expected region match to win, got %s", best.ID)
	}

	best = c.BestWorker("eu-west")
	if best.ID != "node-self" {
		t.Fatalf("expected local node to win for its own region, got %s", best.ID)
	}
}

func TestBestWorkerTieBreakDeterministic(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCoordinator(t, mock)

	// Two identical remote candidates in the player's region; the first in
	// iteration order (sorted by ID) must win every time.
	for _, id := range []string{"node-z", "node-a"} {
		if err := c.Register(WorkerInfo{ID: id, Region: "ap-south", Endpoint: "http://" + id}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	for i := 0; i < 10; i++ {
		if best := c.BestWorker("ap-south"); best.ID != "node-a" {
			t.Fatalf("tie break not deterministic, got %s on attempt %d", best.ID, i)
		}
	}
}

func TestBestWorkerFallsBackToSelf(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	best := c.BestWorker("nowhere")
	if best.ID != "node-self" {
		t.Fatalf("expected self with an empty mesh, got %s", best.ID)
	}
}

func TestStaleWorkerEviction(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCoordinator(t, mock)

	if err := c.Register(WorkerInfo{ID: "node-b", Region: "us-east", Endpoint: "http://node-b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mock.Add(91 * time.Second)

	workers := c.ListWorkers()
	if len(workers) != 1 || workers[0].ID != "node-self" {
		t.Fatalf("expected only the local node to survive, got %+v", workers)
	}
}

func TestHeartbeatKeepsWorkerFresh(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCoordinator(t, mock)

	if err := c.Register(WorkerInfo{ID: "node-b", Region: "us-east", Endpoint: "http://node-b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mock.Add(60 * time.Second)
	if err := c.Heartbeat("node-b", Load{ActivePlayers: 7}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	mock.Add(60 * time.Second)

	workers := c.ListWorkers()
	if len(workers) != 2 {
		t.Fatalf("refreshed worker must survive the window, got %+v", workers)
	}
}

func TestSyncRejectsBadSignature(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	payload, _ := json.Marshal(Worker{WorkerInfo: WorkerInfo{ID: "node-evil", Region: "x", Endpoint: "http://evil"}})
	msg := SyncMessage{
		Type:         SyncWorkerInfo,
		FromWorkerID: "node-evil",
		Data:         payload,
		Signature:    Sign(payload, "wrong-secret", "node-evil"),
	}

	if err := c.HandleSync(msg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if len(c.ListWorkers()) != 1 {
		t.Fatalf("rejected sync must not mutate the registry")
	}
}

func TestWorkerInfoSyncIdempotent(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCoordinator(t, mock)

	payload, _ := json.Marshal(Worker{
		WorkerInfo: WorkerInfo{ID: "node-b", Region: "us-east", Endpoint: "http://node-b"},
		Load:       Load{ActivePlayers: 3},
	})
	msg := SyncMessage{
		Type:         SyncWorkerInfo,
		FromWorkerID: "node-b",
		Data:         payload,
		Signature:    Sign(payload, "test-secret", "node-b"),
	}

	if err := c.HandleSync(msg); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first := c.ListWorkers()

	mock.Add(5 * time.Second)
	if err := c.HandleSync(msg); err != nil {
		t.Fatalf("replayed sync: %v", err)
	}
	second := c.ListWorkers()

	if len(first) != len(second) {
		t.Fatalf("replay changed registry size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.WorkerInfo != b.WorkerInfo || a.Load != b.Load || a.KeyID != b.KeyID {
			t.Fatalf("replay changed record beyond lastSeen: %+v vs %+v", a, b)
		}
	}
	if !second[0].LastSeen.After(first[0].LastSeen) && second[0].ID == "node-b" {
		t.Fatalf("replay should refresh lastSeen")
	}
}

func TestLoadUpdateForUnknownWorkerDropped(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	payload, _ := json.Marshal(loadUpdate{WorkerID: "node-ghost", Load: Load{ActivePlayers: 9}})
	msg := SyncMessage{
		Type:         SyncLoadUpdate,
		FromWorkerID: "node-ghost",
		Data:         payload,
		Signature:    Sign(payload, "test-secret", "node-ghost"),
	}

	if err := c.HandleSync(msg); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if len(c.ListWorkers()) != 1 {
		t.Fatalf("load-update must not create workers")
	}
}

func TestTransferSyncInvokesHandler(t *testing.T) {
	c := newTestCoordinator(t, clock.NewMock())

	var gotPlayer, gotRegion string
	c.SetTransferHandler(func(playerID, region string) {
		gotPlayer, gotRegion = playerID, region
	})

	payload, _ := json.Marshal(TransferRequest{PlayerID: "player-9", Region: "us-east"})
	msg := SyncMessage{
		Type:         SyncTransfer,
		FromWorkerID: "node-b",
		Data:         payload,
		Signature:    Sign(payload, "test-secret", "node-b"),
	}

	if err := c.HandleSync(msg); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if gotPlayer != "player-9" || gotRegion != "us-east" {
		t.Fatalf("transfer handler got %q %q", gotPlayer, gotRegion)
	}
}

func TestRegistryCheckpointRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	self := WorkerInfo{ID: "node-self", Region: "eu-west", Endpoint: "http://node-self:8080"}
	c, err := New(self, "test-secret", zap.NewNop(), Options{Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Register(WorkerInfo{ID: "node-b", Region: "us-east", Endpoint: "http://node-b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	restarted, err := New(self, "test-secret", zap.NewNop(), Options{Store: store})
	if err != nil {
		t.Fatalf("restart New: %v", err)
	}
	workers := restarted.ListWorkers()
	if len(workers) != 2 {
		t.Fatalf("expected restored registry with 2 workers, got %+v", workers)
	}
}

func TestParseSyncKind(t *testing.T) {
	for _, valid := range []string{"worker-info", "load-update", "transfer", "balance"} {
		if _, ok := ParseSyncKind(valid); !ok {
			t.Fatalf("expected %q to parse", valid)
		}
	}
	if _, ok := ParseSyncKind("gossip"); ok {
		t.Fatalf("unknown kind must not parse")
	}
}
