package server

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
	"github.com/Undertaker-afk/FPS-Shooter/internal/metrics"
)

const queueCheckpoint = "queue"

// playerRecord is one waiting player. Owned exclusively by the queue; all
// mutation happens under the queue lock.
type playerRecord struct {
	ID             string    `msgpack:"id"`
	Region         string    `msgpack:"region"`
	JoinedAt       time.Time `msgpack:"joinedAt"`
	AverageLatency int       `msgpack:"averageLatency"`
	LastHeartbeat  time.Time `msgpack:"lastHeartbeat"`

	// Pending marks a slot reserved by a peer handoff before the player has
	// actually connected. Pending records are invisible to lobby formation.
	Pending bool `msgpack:"pending"`
}

// queueSnapshot is the durable checkpoint shape.
type queueSnapshot struct {
	Players map[string]playerRecord `msgpack:"players"`
	Order   []string                `msgpack:"order"`
}

// Queue admits players into a FIFO pending pool, tracks their liveness and
// latency, and periodically carves fixed-size lobbies out of the pool.
// Operations are serialized behind the mutex; lobby and eviction callbacks
// run outside it.
type Queue struct {
	mu      sync.Mutex
	players map[string]*playerRecord
	order   []string
	pings   *pingTracker

	capacity  int
	tolerance int
	timeout   time.Duration

	log     *zap.Logger
	clock   clock.Clock
	store   checkpoint.Store
	metrics *metrics.Metrics

	// onLobby receives a formed lobby's members, already removed from the
	// pool. onEvict fires for players dropped by the liveness sweep.
	onLobby func(members []playerRecord)
	onEvict func(playerID string)
}

// QueueOptions tunes a Queue; zero values fall back to the package defaults.
type QueueOptions struct {
	Capacity  int
	Tolerance int
	Timeout   time.Duration
	Clock     clock.Clock
	Store     checkpoint.Store
	Metrics   *metrics.Metrics
}

// NewQueue builds an empty queue and restores any previous checkpoint.
func NewQueue(log *zap.Logger, opts QueueOptions) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = lobbyCapacity
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = latencyTolerance
	}
	if opts.Timeout <= 0 {
		opts.Timeout = heartbeatTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Store == nil {
		opts.Store = checkpoint.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	q := &Queue{
		players:   make(map[string]*playerRecord),
		order:     make([]string, 0),
		pings:     newPingTracker(),
		capacity:  opts.Capacity,
		tolerance: opts.Tolerance,
		timeout:   opts.Timeout,
		log:       log,
		clock:     opts.Clock,
		store:     opts.Store,
		metrics:   opts.Metrics,
	}
	q.restore()
	return q
}

// SetLobbyHandler installs the callback invoked with each formed lobby.
func (q *Queue) SetLobbyHandler(fn func(members []playerRecord)) {
	q.onLobby = fn
}

// SetEvictHandler installs the callback invoked for liveness evictions.
func (q *Queue) SetEvictHandler(fn func(playerID string)) {
	q.onEvict = fn
}

// Join inserts a player with unknown latency and returns their queue
// position. Re-joining replaces the prior record (and its samples) but keeps
// the original queue slot, which also clears any pending-handoff flag. A
// join immediately attempts lobby formation.
func (q *Queue) Join(playerID, region string) int {
	return q.join(playerID, region, false)
}

// JoinPending reserves a slot for a player handed off by a peer. The record
// stays out of lobby formation until the player connects and joins for real;
// if they never do, the slot ages out through the heartbeat sweep.
func (q *Queue) JoinPending(playerID, region string) int {
	return q.join(playerID, region, true)
}

func (q *Queue) join(playerID, region string, pending bool) int {
	now := q.clock.Now()

	q.mu.Lock()
	if _, rejoining := q.players[playerID]; rejoining {
		if pending {
			// A handoff for a player already queued here changes nothing.
			position := q.positionLocked(playerID)
			q.mu.Unlock()
			return position
		}
		q.pings.clear(playerID)
	} else {
		q.order = append(q.order, playerID)
	}
	q.players[playerID] = &playerRecord{
		ID:             playerID,
		Region:         region,
		JoinedAt:       now,
		AverageLatency: unknownLatency,
		LastHeartbeat:  now,
		Pending:        pending,
	}

	position := q.positionLocked(playerID)
	members := q.attemptFormationLocked()
	q.checkpointLocked()
	q.metrics.QueueDepth.Set(float64(len(q.players)))
	q.mu.Unlock()

	q.log.Info("player joined queue",
		zap.String("player", playerID),
		zap.String("region", region),
		zap.Int("position", position),
		zap.Bool("pending", pending))
	q.dispatchLobby(members)
	return position
}

// Leave removes a player, their latency samples, and their queue slot. It is
// a no-op when the player is not queued.
func (q *Queue) Leave(playerID string) {
	q.mu.Lock()
	_, ok := q.players[playerID]
	if ok {
		q.removeLocked(playerID)
		q.checkpointLocked()
		q.metrics.QueueDepth.Set(float64(len(q.players)))
	}
	q.mu.Unlock()

	if ok {
		q.log.Info("player left queue", zap.String("player", playerID))
	}
}

// RecordPing folds a round-trip measurement into the player's bounded sample
// window and returns the recomputed average.
func (q *Queue) RecordPing(playerID string, sentAt int64) (int, bool) {
	now := q.clock.Now()

	q.mu.Lock()
	record, ok := q.players[playerID]
	if !ok {
		q.mu.Unlock()
		return unknownLatency, false
	}

	rtt := now.Sub(time.UnixMilli(sentAt))
	q.pings.record(playerID, rtt)
	record.AverageLatency = q.pings.average(playerID)
	avg := record.AverageLatency
	q.checkpointLocked()
	q.mu.Unlock()

	return avg, true
}

// Heartbeat refreshes the player's liveness stamp.
func (q *Queue) Heartbeat(playerID string) bool {
	q.mu.Lock()
	record, ok := q.players[playerID]
	if ok {
		record.LastHeartbeat = q.clock.Now()
		q.checkpointLocked()
	}
	q.mu.Unlock()
	return ok
}

// Len reports the pending pool size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.players)
}

// Sweep evicts players silent past the heartbeat timeout and then attempts
// lobby formation. The periodic maintenance loop calls this; tests call it
// directly.
func (q *Queue) Sweep() {
	now := q.clock.Now()

	q.mu.Lock()
	var evicted []string
	for id, record := range q.players {
		if now.Sub(record.LastHeartbeat) > q.timeout {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		q.removeLocked(id)
	}
	members := q.attemptFormationLocked()
	if len(evicted) > 0 || members != nil {
		q.checkpointLocked()
	}
	q.metrics.QueueDepth.Set(float64(len(q.players)))
	q.mu.Unlock()

	for _, id := range evicted {
		q.log.Info("evicting player after heartbeat timeout", zap.String("player", id))
		if q.onEvict != nil {
			q.onEvict(id)
		}
	}
	q.dispatchLobby(members)
}

// Run drives the maintenance sweep until the stop channel closes.
func (q *Queue) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = queueSweepInterval
	}
	ticker := q.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// queueDiagnostics is the per-player view exposed on the diagnostics
// endpoint.
type queueDiagnostics struct {
	ID             string `json:"id"`
	Region         string `json:"region"`
	AverageLatency int    `json:"averageLatency"`
	LastHeartbeat  int64  `json:"lastHeartbeat"`
	QueuedMillis   int64  `json:"queuedMillis"`
	Pending        bool   `json:"pending,omitempty"`
}

// Diagnostics snapshots the pool in queue order.
func (q *Queue) Diagnostics() []queueDiagnostics {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]queueDiagnostics, 0, len(q.order))
	for _, id := range q.order {
		record, ok := q.players[id]
		if !ok {
			continue
		}
		out = append(out, queueDiagnostics{
			ID:             record.ID,
			Region:         record.Region,
			AverageLatency: record.AverageLatency,
			LastHeartbeat:  record.LastHeartbeat.UnixMilli(),
			QueuedMillis:   now.Sub(record.JoinedAt).Milliseconds(),
			Pending:        record.Pending,
		})
	}
	return out
}

// positionLocked is the 1-based slot of a player in queue order.
func (q *Queue) positionLocked(playerID string) int {
	for i, id := range q.order {
		if id == playerID {
			return i + 1
		}
	}
	return len(q.order)
}

// removeLocked drops a player and their samples from every structure.
func (q *Queue) removeLocked(playerID string) {
	delete(q.players, playerID)
	q.pings.clear(playerID)
	for i, id := range q.order {
		if id == playerID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// attemptFormationLocked runs the band algorithm and, on success, removes
// the selected members from the pool and returns their records.
func (q *Queue) attemptFormationLocked() []playerRecord {
	if len(q.players) < q.capacity {
		return nil
	}

	pool := make([]queueEntry, 0, len(q.order))
	for _, id := range q.order {
		record, ok := q.players[id]
		if !ok || record.Pending {
			continue
		}
		pool = append(pool, queueEntry{id: id, latency: record.AverageLatency})
	}

	selected := selectLobbyMembers(pool, q.capacity, q.tolerance)
	if selected == nil {
		return nil
	}

	members := make([]playerRecord, 0, len(selected))
	for _, entry := range selected {
		members = append(members, *q.players[entry.id])
		q.removeLocked(entry.id)
	}
	return members
}

// dispatchLobby hands formed members to the lobby handler outside the lock.
func (q *Queue) dispatchLobby(members []playerRecord) {
	if members == nil {
		return
	}
	q.metrics.LobbiesFormed.Inc()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	q.log.Info("lobby formed", zap.Strings("players", ids))
	if q.onLobby != nil {
		q.onLobby(members)
	}
}

// checkpointLocked persists the pool; failures are logged, never fatal.
func (q *Queue) checkpointLocked() {
	snapshot := queueSnapshot{
		Players: make(map[string]playerRecord, len(q.players)),
		Order:   append([]string(nil), q.order...),
	}
	for id, record := range q.players {
		snapshot.Players[id] = *record
	}
	if err := q.store.Save(queueCheckpoint, snapshot); err != nil {
		q.log.Warn("queue checkpoint failed", zap.Error(err))
	}
}

// restore reloads the pool from the last checkpoint, if any.
func (q *Queue) restore() {
	var snapshot queueSnapshot
	if err := q.store.Load(queueCheckpoint, &snapshot); err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			q.log.Warn("queue checkpoint restore failed", zap.Error(err))
		}
		return
	}
	for _, id := range snapshot.Order {
		record, ok := snapshot.Players[id]
		if !ok {
			continue
		}
		copied := record
		q.players[id] = &copied
		q.order = append(q.order, id)
	}
	q.log.Info("restored queue", zap.Int("players", len(q.order)))
}
