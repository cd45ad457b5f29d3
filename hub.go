package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Undertaker-afk/FPS-Shooter/internal/checkpoint"
	"github.com/Undertaker-afk/FPS-Shooter/internal/mesh"
	"github.com/Undertaker-afk/FPS-Shooter/internal/metrics"
	"github.com/Undertaker-afk/FPS-Shooter/internal/protocol"
	"github.com/Undertaker-afk/FPS-Shooter/internal/validate"
)

const lobbiesCheckpoint = "lobbies"

// Hub owns the node's live player sessions, the waiting queue, and the
// active lobbies, and routes every inbound message to the right coordinator.
type Hub struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	store   checkpoint.Store

	queue    *Queue
	sessions *sessionRegistry
	mesh     *mesh.Coordinator

	mu       sync.Mutex
	lobbies  map[string]*Lobby
	byPlayer map[string]*Lobby
	records  map[string]LobbyRecord

	overflowThreshold int
	startedAt         time.Time

	upgrader websocket.Upgrader
}

// HubOptions tunes a Hub; zero values fall back to defaults.
type HubOptions struct {
	Clock             clock.Clock
	Store             checkpoint.Store
	Metrics           *metrics.Metrics
	OverflowThreshold int
}

// NewHub wires the queue, session registry, and mesh coordinator together.
func NewHub(log *zap.Logger, queue *Queue, meshCoord *mesh.Coordinator, opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Store == nil {
		opts.Store = checkpoint.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.OverflowThreshold <= 0 {
		opts.OverflowThreshold = 64
	}

	h := &Hub{
		log:               log,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		store:             opts.Store,
		queue:             queue,
		sessions:          newSessionRegistry(log),
		mesh:              meshCoord,
		lobbies:           make(map[string]*Lobby),
		byPlayer:          make(map[string]*Lobby),
		records:           make(map[string]LobbyRecord),
		overflowThreshold: opts.OverflowThreshold,
		startedAt:         opts.Clock.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	h.restoreRecords()
	queue.SetLobbyHandler(h.onLobbyFormed)
	queue.SetEvictHandler(h.onEvicted)
	if meshCoord != nil {
		meshCoord.SetTransferHandler(h.onTransfer)
	}
	return h
}

// ServeWS upgrades a client connection and runs its read loop until the
// connection dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.readLoop(conn)
}

// readLoop drives one connection: the first join message binds it to a
// player id; afterwards control messages go to the queue and gameplay
// packets to the player's lobby.
func (h *Hub) readLoop(conn *websocket.Conn) {
	var (
		playerID string
		sess     *session
	)
	limiter := rate.NewLimiter(packetRatePerSecond, packetBurst)

	defer func() {
		if playerID != "" {
			h.Disconnect(playerID, sess)
		} else {
			conn.Close()
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope clientEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			h.log.Debug("discarding malformed message", zap.Error(err))
			h.reply(conn, sess, newError("malformed message"))
			continue
		}

		if kind, ok := parseMessageKind(envelope.Type); ok {
			playerID, sess = h.handleControl(conn, sess, playerID, kind, envelope)
			continue
		}

		if _, ok := protocol.ParsePacketKind(envelope.Type); ok {
			if playerID == "" {
				h.reply(conn, sess, newError("join before sending gameplay packets"))
				continue
			}
			if !limiter.Allow() {
				h.metrics.PacketsDropped.WithLabelValues("rate_limit").Inc()
				continue
			}
			var pkt protocol.Packet
			if err := json.Unmarshal(payload, &pkt); err != nil {
				h.reply(conn, sess, newError("malformed packet"))
				continue
			}
			h.routePacket(playerID, pkt, payload)
			continue
		}

		h.reply(conn, sess, newError("unknown message type"))
	}
}

// handleControl applies one queue-facing message and returns the (possibly
// newly bound) player identity for the connection.
func (h *Hub) handleControl(conn *websocket.Conn, sess *session, playerID string, kind messageKind, envelope clientEnvelope) (string, *session) {
	switch kind {
	case msgJoin:
		if envelope.PlayerID == "" {
			h.reply(conn, sess, newError("join requires playerId"))
			return playerID, sess
		}
		if playerID != "" && playerID != envelope.PlayerID {
			h.reply(conn, sess, newError("connection already bound to another player"))
			return playerID, sess
		}
		playerID = envelope.PlayerID
		if sess == nil {
			sess = h.sessions.add(playerID, conn)
		}
		position := h.Join(playerID, envelope.Region)
		h.sessions.SendTo(playerID, newJoined(playerID, position))
		return playerID, sess

	case msgLeave:
		if playerID != "" {
			h.queue.Leave(playerID)
		}
		return playerID, sess

	case msgHeartbeat:
		if playerID != "" {
			h.queue.Heartbeat(playerID)
		}
		return playerID, sess

	case msgPing:
		if playerID == "" {
			return playerID, sess
		}
		h.queue.RecordPing(playerID, envelope.Timestamp)
		h.sessions.SendTo(playerID, newPong(playerID, envelope.Timestamp, h.clock.Now().UnixMilli()))
		return playerID, sess
	}
	return playerID, sess
}

// reply answers on the bound session when one exists, falling back to the
// raw connection for pre-join errors.
func (h *Hub) reply(conn *websocket.Conn, sess *session, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal reply", zap.Error(err))
		return
	}
	if sess != nil {
		if err := sess.write(data); err != nil {
			h.log.Debug("reply failed", zap.Error(err))
		}
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.Debug("reply failed", zap.Error(err))
	}
}

// Join admits a player and, when the pool is overflowing, hands the overflow
// off to the best compatible node in the mesh. A handed-off player leaves
// this node's queue entirely; exactly one queue holds them at a time.
func (h *Hub) Join(playerID, region string) int {
	position := h.queue.Join(playerID, region)

	if h.mesh != nil && position > h.overflowThreshold {
		best := h.mesh.BestWorker(region)
		if best.ID != h.mesh.Self().ID {
			h.log.Info("queue overflow, handing player to peer",
				zap.String("player", playerID),
				zap.String("peer", best.ID))
			h.mesh.SendTransfer(best, playerID, region)
			h.queue.Leave(playerID)
		}
	}
	return position
}

// Disconnect tears down a player's session, lobby membership, queue slot,
// and validation state.
func (h *Hub) Disconnect(playerID string, sess *session) {
	if sess != nil {
		h.sessions.remove(playerID, sess)
		sess.conn.Close()
	} else {
		h.sessions.Close(playerID)
	}

	h.mu.Lock()
	lobby := h.byPlayer[playerID]
	delete(h.byPlayer, playerID)
	h.mu.Unlock()

	if lobby != nil {
		lobby.OnDisconnect(playerID)
		h.reapLobby(lobby)
	}
	h.queue.Leave(playerID)
}

// routePacket forwards a gameplay packet to the sender's lobby.
func (h *Hub) routePacket(playerID string, pkt protocol.Packet, raw []byte) {
	h.mu.Lock()
	lobby := h.byPlayer[playerID]
	h.mu.Unlock()

	if lobby == nil {
		h.metrics.PacketsDropped.WithLabelValues("no_lobby").Inc()
		h.sessions.SendTo(playerID, newError("not in a lobby"))
		return
	}
	lobby.OnPacket(playerID, pkt, raw)
}

// onLobbyFormed turns a formed member set into a live lobby and introduces
// the members to each other with their connection credentials.
func (h *Hub) onLobbyFormed(members []playerRecord) {
	self := mesh.WorkerInfo{}
	if h.mesh != nil {
		self = h.mesh.Self()
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	record := LobbyRecord{
		ID:        uuid.NewString(),
		Members:   ids,
		HostID:    ids[0],
		CreatedAt: h.clock.Now(),
		Started:   true,
		WorkerID:  self.ID,
		Region:    self.Region,
	}
	token := uuid.NewString()

	lobby := NewLobby(record, h.sessions, h.log, h.clock, h.metrics)

	h.mu.Lock()
	h.lobbies[record.ID] = lobby
	h.records[record.ID] = record
	for _, id := range ids {
		h.byPlayer[id] = lobby
	}
	h.checkpointRecordsLocked()
	h.metrics.ActiveLobbies.Set(float64(len(h.lobbies)))
	h.mu.Unlock()

	for i, id := range ids {
		h.sessions.SendTo(id, lobbyCreatedMessage{
			Type:    "lobbyCreated",
			LobbyID: record.ID,
			Players: ids,
			HostID:  record.HostID,
			IsHost:  i == 0,
			Token:   token,
		})
	}
}

// onEvicted closes the connection of a player dropped by the liveness
// sweep.
func (h *Hub) onEvicted(playerID string) {
	h.sessions.Close(playerID)
}

// onTransfer reserves a pending slot for a player handed off by an
// overloaded peer. The slot is held out of lobby formation until the player
// connects and joins, and ages out normally if they never do.
func (h *Hub) onTransfer(playerID, region string) {
	h.log.Info("accepting transferred player",
		zap.String("player", playerID), zap.String("region", region))
	h.queue.JoinPending(playerID, region)
}

// reapLobby drops a lobby once its last member has disconnected.
func (h *Hub) reapLobby(lobby *Lobby) {
	if !lobby.Empty() {
		return
	}
	record := lobby.Record()

	h.mu.Lock()
	delete(h.lobbies, record.ID)
	delete(h.records, record.ID)
	h.checkpointRecordsLocked()
	h.metrics.ActiveLobbies.Set(float64(len(h.lobbies)))
	h.mu.Unlock()

	h.log.Info("lobby closed", zap.String("lobby", record.ID))
}

// PreValidate dry-runs a packet against throwaway state; the admin surface
// uses it to probe classification without touching live players.
func (h *Hub) PreValidate(pkt protocol.Packet) validate.Result {
	state := validate.NewPlayerState(pkt.PlayerID)
	return validate.Check(state, pkt, h.clock.Now())
}

// Load samples the node's current load for mesh heartbeats.
func (h *Hub) Load() mesh.Load {
	h.mu.Lock()
	lobbies := len(h.lobbies)
	players := len(h.byPlayer)
	h.mu.Unlock()

	return mesh.Load{
		ActivePlayers: players + h.queue.Len(),
		ActiveLobbies: lobbies,
	}
}

// Stats is the server-wide snapshot for the stats endpoint.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	ActiveLobbies int   `json:"activeLobbies"`
	ActivePlayers int   `json:"activePlayers"`
	MeshWorkers   int   `json:"meshWorkers"`
	UptimeMillis  int64 `json:"uptimeMillis"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	lobbies := len(h.lobbies)
	players := len(h.byPlayer)
	h.mu.Unlock()

	workers := 0
	if h.mesh != nil {
		workers = h.mesh.WorkerCount()
	}
	return Stats{
		QueueDepth:    h.queue.Len(),
		ActiveLobbies: lobbies,
		ActivePlayers: players,
		MeshWorkers:   workers,
		UptimeMillis:  h.clock.Now().Sub(h.startedAt).Milliseconds(),
	}
}

// LobbyRecords lists the live lobby identities.
func (h *Hub) LobbyRecords() []LobbyRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LobbyRecord, 0, len(h.records))
	for _, record := range h.records {
		out = append(out, record)
	}
	return out
}

// checkpointRecordsLocked persists lobby identities; failures are logged,
// never fatal.
func (h *Hub) checkpointRecordsLocked() {
	snapshot := make(map[string]LobbyRecord, len(h.records))
	for id, record := range h.records {
		snapshot[id] = record
	}
	if err := h.store.Save(lobbiesCheckpoint, snapshot); err != nil {
		h.log.Warn("lobby checkpoint failed", zap.Error(err))
	}
}

// restoreRecords reloads lobby identities after a restart. Connections do
// not survive a restart, so restored lobbies carry history only; members
// reconnect through the queue.
func (h *Hub) restoreRecords() {
	var snapshot map[string]LobbyRecord
	if err := h.store.Load(lobbiesCheckpoint, &snapshot); err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			h.log.Warn("lobby checkpoint restore failed", zap.Error(err))
		}
		return
	}
	for id, record := range snapshot {
		h.records[id] = record
	}
	if len(snapshot) > 0 {
		h.log.Info("restored lobby records", zap.Int("lobbies", len(snapshot)))
	}
}
