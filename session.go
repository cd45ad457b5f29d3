package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one client's websocket connection with a write lock, since
// the queue, lobby, and read loop may all write to it.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sessionRegistry maps player ids to live connections and implements the
// packetSender used by lobbies. Delivery is best-effort: a write failure is
// logged and left for the reader goroutine to notice and tear down.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *zap.Logger
}

func newSessionRegistry(log *zap.Logger) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*session),
		log:      log,
	}
}

// add binds a connection to a player id, closing any previous connection
// under the same id.
func (r *sessionRegistry) add(playerID string, conn *websocket.Conn) *session {
	r.mu.Lock()
	if existing, ok := r.sessions[playerID]; ok {
		existing.conn.Close()
	}
	sess := &session{conn: conn}
	r.sessions[playerID] = sess
	r.mu.Unlock()
	return sess
}

// remove drops the registry entry if it still belongs to sess.
func (r *sessionRegistry) remove(playerID string, sess *session) {
	r.mu.Lock()
	if current, ok := r.sessions[playerID]; ok && current == sess {
		delete(r.sessions, playerID)
	}
	r.mu.Unlock()
}

func (r *sessionRegistry) get(playerID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[playerID]
	return sess, ok
}

// SendTo marshals and delivers one server message.
func (r *sessionRegistry) SendTo(playerID string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		r.log.Error("marshal server message", zap.Error(err))
		return
	}
	r.SendRaw(playerID, data)
}

// SendRaw delivers pre-encoded bytes, typically a relayed gameplay packet.
func (r *sessionRegistry) SendRaw(playerID string, data []byte) {
	sess, ok := r.get(playerID)
	if !ok {
		return
	}
	if err := sess.write(data); err != nil {
		r.log.Warn("send failed",
			zap.String("player", playerID), zap.Error(err))
	}
}

// Kick notifies the player why and closes their connection.
func (r *sessionRegistry) Kick(playerID, reason string) {
	r.SendTo(playerID, newKicked(reason))
	r.Close(playerID)
}

// Close tears down a player's connection if one is live.
func (r *sessionRegistry) Close(playerID string) {
	r.mu.Lock()
	sess, ok := r.sessions[playerID]
	if ok {
		delete(r.sessions, playerID)
	}
	r.mu.Unlock()

	if ok {
		sess.conn.Close()
	}
}
