package server

// Client control message kinds. The set is closed: the session read loop
// dispatches on parsed kinds, never raw strings, so an unhandled kind is a
// decode-time error instead of a silent fallthrough.
type messageKind string

const (
	msgJoin      messageKind = "join"
	msgLeave     messageKind = "leave"
	msgHeartbeat messageKind = "heartbeat"
	msgPing      messageKind = "ping"
)

// parseMessageKind validates a control message type from a client.
func parseMessageKind(value string) (messageKind, bool) {
	switch messageKind(value) {
	case msgJoin, msgLeave, msgHeartbeat, msgPing:
		return messageKind(value), true
	default:
		return "", false
	}
}

// clientEnvelope is the shallow decode of any inbound client message; the
// Type field decides whether the payload is control traffic or a gameplay
// packet that gets re-decoded as protocol.Packet.
type clientEnvelope struct {
	Type      string `json:"type"`
	PlayerID  string `json:"playerId"`
	Region    string `json:"region,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type joinedMessage struct {
	Type          string `json:"type"`
	PlayerID      string `json:"playerId"`
	QueuePosition int    `json:"queuePosition"`
}

type pongMessage struct {
	Type            string `json:"type"`
	PlayerID        string `json:"playerId"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// lobbyCreatedMessage introduces a formed lobby to each member. Token is the
// opaque peer-connection credential; the in-game transport that consumes it
// lives outside this server.
type lobbyCreatedMessage struct {
	Type    string   `json:"type"`
	LobbyID string   `json:"lobbyId"`
	Players []string `json:"players"`
	HostID  string   `json:"hostId"`
	IsHost  bool     `json:"isHost"`
	Token   string   `json:"token"`
}

type kickedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type peerDisconnectedMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

func newJoined(playerID string, position int) joinedMessage {
	return joinedMessage{Type: "joined", PlayerID: playerID, QueuePosition: position}
}

func newPong(playerID string, timestamp, serverTimestamp int64) pongMessage {
	return pongMessage{Type: "pong", PlayerID: playerID, Timestamp: timestamp, ServerTimestamp: serverTimestamp}
}

func newKicked(reason string) kickedMessage {
	return kickedMessage{Type: "kicked", Reason: reason}
}

func newError(message string) errorMessage {
	return errorMessage{Type: "error", Message: message}
}

func newPeerDisconnected(playerID string) peerDisconnectedMessage {
	return peerDisconnectedMessage{Type: "peerDisconnected", PlayerID: playerID}
}
