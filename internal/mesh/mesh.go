// Package mesh maintains the fleet-wide view of serving nodes. Each node
// registers itself, heartbeats load samples, answers best-node queries, and
// propagates updates to peers via signed broadcast. Broadcast is best-effort
// fire-and-forget: a peer that misses an update catches up on the next
// heartbeat cycle.
package mesh

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
)

const (
	defaultStaleAfter  = 90 * time.Second
	defaultSyncTimeout = 2 * time.Second

	baseScore        = 100.0
	regionBonus      = 50.0
	playerLoadWeight = 30.0
	cpuWeight        = 0.2

	checkpointName = "workers"
)

var (
	// ErrNotRegistered is returned for a heartbeat from a node that never
	// registered; the caller is expected to re-register.
	ErrNotRegistered = errors.New("mesh: worker not registered")

	// ErrInvalidWorker is returned when a registration is missing required
	// fields.
	ErrInvalidWorker = errors.New("mesh: worker info incomplete")
)

// Load is one load sample from a serving node.
type Load struct {
	ActivePlayers int     `json:"activePlayers" msgpack:"activePlayers"`
	ActiveLobbies int     `json:"activeLobbies" msgpack:"activeLobbies"`
	CPUPercent    float64 `json:"cpuPercent" msgpack:"cpuPercent"`
	MemoryMB      float64 `json:"memoryMb" msgpack:"memoryMb"`
}

// WorkerInfo identifies a serving node and where to reach it.
type WorkerInfo struct {
	ID       string `json:"id" msgpack:"id"`
	Region   string `json:"region" msgpack:"region"`
	Endpoint string `json:"endpoint" msgpack:"endpoint"`
}

// Worker is the registry record for one node. KeyID is the node's public
// identifier derived from the shared mesh secret.
type Worker struct {
	WorkerInfo
	Load     Load      `json:"load" msgpack:"load"`
	LastSeen time.Time `json:"lastSeen" msgpack:"lastSeen"`
	KeyID    string    `json:"keyId" msgpack:"keyId"`
}

// Coordinator owns the worker registry for one node. All operations are
// serialized behind the mutex; peer broadcast happens outside it.
type Coordinator struct {
	mu      sync.Mutex
	workers map[string]*Worker

	self       WorkerInfo
	secret     string
	peers      []string
	staleAfter time.Duration

	log    *zap.Logger
	clock  clock.Clock
	client *http.Client
	store  checkpoint.Store

	// onTransfer receives players handed off from overloaded peers.
	onTransfer func(playerID, region string)
}

// Options tunes a Coordinator; zero values fall back to defaults.
type Options struct {
	StaleAfter  time.Duration
	SyncTimeout time.Duration
	Peers       []string
	Clock       clock.Clock
	Store       checkpoint.Store
}

// New registers the local node and returns its coordinator.
func New(self WorkerInfo, secret string, log *zap.Logger, opts Options) (*Coordinator, error) {
	if err := validateInfo(self); err != nil {
		return nil, err
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Store == nil {
		opts.Store = checkpoint.Discard{}
	}

	c := &Coordinator{
		workers:    make(map[string]*Worker),
		self:       self,
		secret:     secret,
		peers:      opts.Peers,
		staleAfter: opts.StaleAfter,
		log:        log,
		clock:      opts.Clock,
		client:     &http.Client{Timeout: opts.SyncTimeout},
		store:      opts.Store,
	}

	c.restore()
	c.workers[self.ID] = &Worker{
		WorkerInfo: self,
		LastSeen:   c.clock.Now(),
		KeyID:      keyID(secret, self.ID),
	}
	return c, nil
}

// SetTransferHandler installs the callback for inbound player handoffs.
func (c *Coordinator) SetTransferHandler(fn func(playerID, region string)) {
	c.onTransfer = fn
}

// Self returns the local node's identity.
func (c *Coordinator) Self() WorkerInfo {
	return c.self
}

func validateInfo(info WorkerInfo) error {
	if info.ID == "" || info.Region == "" || info.Endpoint == "" {
		return fmt.Errorf("%w: id=%q region=%q endpoint=%q",
			ErrInvalidWorker, info.ID, info.Region, info.Endpoint)
	}
	return nil
}

// keyID derives a node's public mesh identifier from the shared secret.
func keyID(secret, workerID string) string {
	sum := blake3.Sum256([]byte(secret + ":" + workerID))
	return hex.EncodeToString(sum[:8])
}

// Register stores or overwrites a worker record with a fresh last-seen stamp
// and announces it to the rest of the mesh.
func (c *Coordinator) Register(info WorkerInfo) error {
	if err := validateInfo(info); err != nil {
		return err
	}

	c.mu.Lock()
	record := &Worker{
		WorkerInfo: info,
		LastSeen:   c.clock.Now(),
		KeyID:      keyID(c.secret, info.ID),
	}
	if existing, ok := c.workers[info.ID]; ok {
		record.Load = existing.Load
	}
	c.workers[info.ID] = record
	snapshot := *record
	c.checkpointLocked()
	c.mu.Unlock()

	c.log.Info("worker registered",
		zap.String("worker", info.ID),
		zap.String("region", info.Region))
	go c.broadcast(SyncWorkerInfo, snapshot)
	return nil
}

// Heartbeat updates a registered worker's load sample. Unregistered workers
// are rejected so they re-register instead of silently reappearing.
func (c *Coordinator) Heartbeat(workerID string, load Load) error {
	c.mu.Lock()
	record, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, workerID)
	}
	record.Load = load
	record.LastSeen = c.clock.Now()
	snapshot := loadUpdate{WorkerID: workerID, Load: load}
	c.cleanupStaleLocked()
	c.checkpointLocked()
	c.mu.Unlock()

	go c.broadcast(SyncLoadUpdate, snapshot)
	return nil
}

// SetLocalLoad refreshes the local node's own record; the periodic heartbeat
// loop calls this before broadcasting.
func (c *Coordinator) SetLocalLoad(load Load) {
	if err := c.Heartbeat(c.self.ID, load); err != nil {
		c.log.Warn("local load update failed", zap.Error(err))
	}
}

// ListWorkers evicts stale entries and returns the remaining records sorted
// by ID.
func (c *Coordinator) ListWorkers() []Worker {
	c.mu.Lock()
	c.cleanupStaleLocked()
	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BestWorker scores every active node for a player's region and returns the
// winner. With nothing else active the local node serves the player itself.
func (c *Coordinator) BestWorker(playerRegion string) Worker {
	workers := c.ListWorkers()
	if len(workers) == 0 {
		c.mu.Lock()
		self := *c.workers[c.self.ID]
		c.mu.Unlock()
		return self
	}

	best := workers[0]
	bestScore := Score(workers[0], playerRegion)
	for _, w := range workers[1:] {
		if s := Score(w, playerRegion); s > bestScore {
			best = w
			bestScore = s
		}
	}
	return best
}

// Score is the weighted-greedy routing heuristic: cheap and stable under
// frequent re-evaluation, not a global optimum.
func Score(w Worker, playerRegion string) float64 {
	score := baseScore
	if w.Region == playerRegion {
		score += regionBonus
	}
	score -= float64(w.Load.ActivePlayers) / 1000.0 * playerLoadWeight
	score -= w.Load.CPUPercent * cpuWeight
	return score
}

// cleanupStaleLocked evicts every record other than the local node's own
// that has not been seen within the staleness window.
func (c *Coordinator) cleanupStaleLocked() {
	cutoff := c.clock.Now().Add(-c.staleAfter)
	for id, w := range c.workers {
		if id == c.self.ID {
			continue
		}
		if w.LastSeen.Before(cutoff) {
			delete(c.workers, id)
			c.log.Info("evicted stale worker", zap.String("worker", id))
		}
	}
}

// WorkerCount reports the registry size after stale eviction.
func (c *Coordinator) WorkerCount() int {
	return len(c.ListWorkers())
}

// RunHeartbeat drives the periodic load announcement until stop closes.
func (c *Coordinator) RunHeartbeat(stop <-chan struct{}, interval time.Duration, sample func() Load) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.SetLocalLoad(sample())
		}
	}
}

// checkpointLocked persists the registry; failures are logged, never fatal.
func (c *Coordinator) checkpointLocked() {
	snapshot := make(map[string]Worker, len(c.workers))
	for id, w := range c.workers {
		snapshot[id] = *w
	}
	if err := c.store.Save(checkpointName, snapshot); err != nil {
		c.log.Warn("worker checkpoint failed", zap.Error(err))
	}
}

// restore reloads the registry from the last checkpoint, if any.
func (c *Coordinator) restore() {
	var snapshot map[string]Worker
	if err := c.store.Load(checkpointName, &snapshot); err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			c.log.Warn("worker checkpoint restore failed", zap.Error(err))
		}
		return
	}
	for id, w := range snapshot {
		record := w
		c.workers[id] = &record
	}
	c.log.Info("restored worker registry", zap.Int("workers", len(snapshot)))
}

// broadcastTargets collects every reachable peer endpoint once.
func (c *Coordinator) broadcastTargets() []string {
	c.mu.Lock()
	seen := make(map[string]struct{})
	targets := make([]string, 0, len(c.workers)+len(c.peers))
	for id, w := range c.workers {
		if id == c.self.ID || w.Endpoint == "" {
			continue
		}
		if _, dup := seen[w.Endpoint]; !dup {
			seen[w.Endpoint] = struct{}{}
			targets = append(targets, w.Endpoint)
		}
	}
	c.mu.Unlock()

	for _, p := range c.peers {
		if p == c.self.Endpoint {
			continue
		}
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			targets = append(targets, p)
		}
	}
	return targets
}

// broadcast fans a signed sync message out to every peer. Delivery failure
// to one peer does not block the others and is not retried; the next
// heartbeat cycle is the implicit retry.
func (c *Coordinator) broadcast(kind SyncKind, payload any) {
	msg, err := c.NewSyncMessage(kind, payload)
	if err != nil {
		c.log.Error("encode sync payload", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode sync message", zap.Error(err))
		return
	}

	for _, endpoint := range c.broadcastTargets() {
		endpoint := endpoint
		go func() {
			url := strings.TrimRight(endpoint, "/") + "/mesh/sync"
			resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				c.log.Warn("sync delivery failed",
					zap.String("peer", endpoint), zap.Error(err))
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				c.log.Warn("sync rejected by peer",
					zap.String("peer", endpoint), zap.Int("status", resp.StatusCode))
			}
		}()
	}
}
