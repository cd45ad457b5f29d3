package protocol

import "math"

// PacketKind identifies a gameplay packet type. The set is closed: anything
// outside it is rejected at decode time rather than falling through a string
// switch.
type PacketKind string

const (
	PacketPosition PacketKind = "position"
	PacketShoot    PacketKind = "shoot"
	PacketAction   PacketKind = "action"
)

// ParsePacketKind validates a packet type string received from a client.
func ParsePacketKind(value string) (PacketKind, bool) {
	switch PacketKind(value) {
	case PacketPosition, PacketShoot, PacketAction:
		return PacketKind(value), true
	default:
		return "", false
	}
}

// Vec3 is a world-space vector. Gameplay packets carry positions, velocities
// and aim directions as Vec3 payloads.
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Length returns the Euclidean magnitude of v.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the Euclidean distance between v and other.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Length()
}

// Packet is one relayed gameplay message. Timestamp is client wall time in
// unix milliseconds; Sequence is the client's per-connection counter.
type Packet struct {
	Kind      PacketKind `json:"type"`
	PlayerID  string     `json:"playerId"`
	Timestamp int64      `json:"timestamp"`
	Sequence  int64      `json:"sequence"`
	Data      PacketData `json:"data"`
}

// PacketData carries the kind-specific payload. Fields are pointers so the
// validator can tell "absent" from "zero".
type PacketData struct {
	Position  *Vec3  `json:"position,omitempty"`
	Velocity  *Vec3  `json:"velocity,omitempty"`
	Direction *Vec3  `json:"direction,omitempty"`
	Origin    *Vec3  `json:"origin,omitempty"`
	Action    string `json:"action,omitempty"`
}
