package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Undertaker-afk/FPS-Shooter/internal/metrics"
	"github.com/Undertaker-afk/FPS-Shooter/internal/protocol"
	"github.com/Undertaker-afk/FPS-Shooter/internal/validate"
)

// LobbyRecord is the immutable identity of a formed lobby. Member slots are
// never refilled; departures are tracked on the live Lobby, not here.
type LobbyRecord struct {
	ID        string    `json:"id" msgpack:"id"`
	Members   []string  `json:"members" msgpack:"members"`
	HostID    string    `json:"hostId" msgpack:"hostId"`
	CreatedAt time.Time `json:"createdAt" msgpack:"createdAt"`
	Started   bool      `json:"started" msgpack:"started"`
	WorkerID  string    `json:"workerId" msgpack:"workerId"`
	Region    string    `json:"region" msgpack:"region"`
}

// packetSender delivers server messages and raw relayed packets to player
// connections. The session registry implements it.
type packetSender interface {
	SendTo(playerID string, message any)
	SendRaw(playerID string, data []byte)
	Kick(playerID, reason string)
}

// Lobby relays gameplay packets between one lobby's members, gating every
// inbound packet through the validator. It owns the per-player validation
// state; no game simulation lives here.
type Lobby struct {
	mu        sync.Mutex
	record    LobbyRecord
	connected map[string]bool
	states    map[string]*validate.PlayerState

	sender  packetSender
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewLobby seeds the roster from a lobby record.
func NewLobby(record LobbyRecord, sender packetSender, log *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Lobby {
	connected := make(map[string]bool, len(record.Members))
	for _, id := range record.Members {
		connected[id] = true
	}
	return &Lobby{
		record:    record,
		connected: connected,
		states:    make(map[string]*validate.PlayerState, len(record.Members)),
		sender:    sender,
		log:       log.With(zap.String("lobby", record.ID)),
		clock:     clk,
		metrics:   m,
	}
}

// Record returns the lobby's identity.
func (l *Lobby) Record() LobbyRecord {
	return l.record
}

// Empty reports whether every member has disconnected.
func (l *Lobby) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected) == 0
}

// OnPacket validates one inbound gameplay packet. A ban result kicks the
// sender; a blocking violation silently drops the packet; anything else is
// forwarded verbatim to every other connected member.
func (l *Lobby) OnPacket(senderID string, pkt protocol.Packet, raw []byte) {
	now := l.clock.Now()

	l.mu.Lock()
	if !l.connected[senderID] {
		l.mu.Unlock()
		return
	}
	state, ok := l.states[senderID]
	if !ok {
		state = validate.NewPlayerState(senderID)
		l.states[senderID] = state
	}
	res := validate.Check(state, pkt, now)

	if res.Severity != "" {
		l.metrics.Violations.WithLabelValues(string(res.Severity)).Inc()
	}

	if res.Severity == validate.SeverityBan {
		delete(l.connected, senderID)
		delete(l.states, senderID)
		l.mu.Unlock()

		l.log.Warn("banning player",
			zap.String("player", senderID),
			zap.String("kind", res.Kind),
			zap.String("detail", res.Detail))
		l.metrics.PlayersKicked.Inc()
		l.sender.Kick(senderID, res.Detail)
		return
	}

	if !res.Valid {
		l.mu.Unlock()
		l.log.Debug("dropping packet",
			zap.String("player", senderID),
			zap.String("kind", res.Kind))
		l.metrics.PacketsDropped.WithLabelValues(res.Kind).Inc()
		return
	}

	targets := l.peersLocked(senderID)
	l.mu.Unlock()

	if res.Severity == validate.SeverityWarning {
		l.log.Debug("packet flagged but forwarded",
			zap.String("player", senderID),
			zap.String("kind", res.Kind))
	}
	l.metrics.PacketsAccepted.Inc()
	for _, id := range targets {
		l.sender.SendRaw(id, raw)
	}
}

// OnDisconnect removes a member's connection and validation state and tells
// the remaining members.
func (l *Lobby) OnDisconnect(playerID string) {
	l.mu.Lock()
	if !l.connected[playerID] {
		l.mu.Unlock()
		return
	}
	delete(l.connected, playerID)
	delete(l.states, playerID)
	targets := l.peersLocked(playerID)
	l.mu.Unlock()

	l.log.Info("player left lobby", zap.String("player", playerID))
	notice := newPeerDisconnected(playerID)
	for _, id := range targets {
		l.sender.SendTo(id, notice)
	}
}

// peersLocked lists every connected member except one.
func (l *Lobby) peersLocked(except string) []string {
	targets := make([]string, 0, len(l.connected))
	for id := range l.connected {
		if id != except {
			targets = append(targets, id)
		}
	}
	return targets
}
