package mesh

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

// SyncKind is the closed set of mesh sync message types.
type SyncKind string

const (
	SyncWorkerInfo SyncKind = "worker-info"
	SyncLoadUpdate SyncKind = "load-update"
	SyncTransfer   SyncKind = "transfer"
	SyncBalance    SyncKind = "balance"
)

// ParseSyncKind validates a sync type string from the wire.
func ParseSyncKind(value string) (SyncKind, bool) {
	switch SyncKind(value) {
	case SyncWorkerInfo, SyncLoadUpdate, SyncTransfer, SyncBalance:
		return SyncKind(value), true
	default:
		return "", false
	}
}

// ErrBadSignature rejects a sync message whose signature does not match the
// shared secret. Nothing is mutated when this is returned.
var ErrBadSignature = errors.New("mesh: sync signature mismatch")

// SyncMessage is one signed fleet update. Data stays opaque until the
// signature has been verified.
type SyncMessage struct {
	Type         SyncKind        `json:"type"`
	FromWorkerID string          `json:"fromWorkerId"`
	Data         json.RawMessage `json:"data"`
	Signature    string          `json:"signature"`
}

// loadUpdate is the payload of a load-update sync.
type loadUpdate struct {
	WorkerID string `json:"workerId"`
	Load     Load   `json:"load"`
}

// TransferRequest is the payload of a transfer sync: a player handed off to
// this node by an overloaded peer.
type TransferRequest struct {
	PlayerID string `json:"playerId"`
	Region   string `json:"region"`
}

// Sign computes the sync signature: a keyed digest over the serialized
// payload, the shared secret, and the origin node id.
func Sign(data []byte, secret, fromWorkerID string) string {
	input := make([]byte, 0, len(data)+len(secret)+len(fromWorkerID))
	input = append(input, data...)
	input = append(input, secret...)
	input = append(input, fromWorkerID...)
	sum := blake3.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// NewSyncMessage wraps a payload in a signed envelope from the local node.
func (c *Coordinator) NewSyncMessage(kind SyncKind, payload any) (SyncMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return SyncMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return SyncMessage{
		Type:         kind,
		FromWorkerID: c.self.ID,
		Data:         data,
		Signature:    Sign(data, c.secret, c.self.ID),
	}, nil
}

// HandleSync verifies and applies one inbound sync message. The signature is
// checked before any state mutation.
func (c *Coordinator) HandleSync(msg SyncMessage) error {
	expected := Sign(msg.Data, c.secret, msg.FromWorkerID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(msg.Signature)) != 1 {
		return fmt.Errorf("%w: from %s", ErrBadSignature, msg.FromWorkerID)
	}

	switch msg.Type {
	case SyncWorkerInfo:
		return c.applyWorkerInfo(msg.Data)
	case SyncLoadUpdate:
		return c.applyLoadUpdate(msg.Data)
	case SyncTransfer:
		return c.applyTransfer(msg.Data)
	case SyncBalance:
		return c.applyBalance(msg.FromWorkerID)
	default:
		return fmt.Errorf("mesh: unknown sync kind %q", msg.Type)
	}
}

// applyWorkerInfo upserts a peer's record. Replaying the same message is
// idempotent beyond refreshing last-seen.
func (c *Coordinator) applyWorkerInfo(data json.RawMessage) error {
	var w Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode worker-info: %w", err)
	}
	if err := validateInfo(w.WorkerInfo); err != nil {
		return err
	}
	if w.ID == c.self.ID {
		return nil
	}

	c.mu.Lock()
	record := &Worker{
		WorkerInfo: w.WorkerInfo,
		Load:       w.Load,
		LastSeen:   c.clock.Now(),
		KeyID:      keyID(c.secret, w.ID),
	}
	c.workers[w.ID] = record
	c.checkpointLocked()
	c.mu.Unlock()

	c.log.Debug("applied worker-info sync", zap.String("worker", w.ID))
	return nil
}

// applyLoadUpdate refreshes a known peer's load sample. Updates for unknown
// workers are dropped; the peer's next worker-info announcement fills the
// gap.
func (c *Coordinator) applyLoadUpdate(data json.RawMessage) error {
	var update loadUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("decode load-update: %w", err)
	}
	if update.WorkerID == c.self.ID {
		return nil
	}

	c.mu.Lock()
	record, ok := c.workers[update.WorkerID]
	if ok {
		record.Load = update.Load
		record.LastSeen = c.clock.Now()
		c.checkpointLocked()
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("load-update for unknown worker dropped",
			zap.String("worker", update.WorkerID))
	}
	return nil
}

// applyTransfer hands an inbound player off to the local queue.
func (c *Coordinator) applyTransfer(data json.RawMessage) error {
	var req TransferRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode transfer: %w", err)
	}
	if req.PlayerID == "" {
		return fmt.Errorf("mesh: transfer without player id")
	}
	if c.onTransfer != nil {
		c.onTransfer(req.PlayerID, req.Region)
	}
	return nil
}

// applyBalance answers a rebalance probe by re-announcing the local load, so
// the asking peer converges on fresh numbers.
func (c *Coordinator) applyBalance(fromWorkerID string) error {
	c.mu.Lock()
	self, ok := c.workers[c.self.ID]
	var snapshot loadUpdate
	if ok {
		snapshot = loadUpdate{WorkerID: self.ID, Load: self.Load}
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.log.Debug("balance probe received", zap.String("from", fromWorkerID))
	go c.broadcast(SyncLoadUpdate, snapshot)
	return nil
}

// SendTransfer asks a specific peer to take over a waiting player.
func (c *Coordinator) SendTransfer(target Worker, playerID, region string) {
	msg, err := c.NewSyncMessage(SyncTransfer, TransferRequest{PlayerID: playerID, Region: region})
	if err != nil {
		c.log.Error("encode transfer", zap.Error(err))
		return
	}
	c.deliver(target.Endpoint, msg)
}

// deliver posts one signed message to one peer, best-effort.
func (c *Coordinator) deliver(endpoint string, msg SyncMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode sync message", zap.Error(err))
		return
	}
	go func() {
		url := strings.TrimRight(endpoint, "/") + "/mesh/sync"
		resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			c.log.Warn("sync delivery failed", zap.String("peer", endpoint), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}
