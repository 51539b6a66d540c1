// Package wire defines the frames exchanged between peers and the signaling hub.
package wire

import "github.com/dkeye/voicemesh/internal/domain"

// Frame types sent by peers.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeUpdate    = "update"
	TypeSync      = "sync"
	TypeBroadcast = "broadcast"
	TypePing      = "ping"
)

// Frame types sent by the hub.
const (
	TypeRoomState     = "room_state"
	TypeMemberJoined  = "member_joined"
	TypeMemberLeft    = "member_left"
	TypeMemberUpdated = "member_updated"
	TypePong          = "pong"
	TypeLeft          = "left"
	TypeError         = "error"
)

// Frame is the single envelope for every hub message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Room    domain.RoomName `json:"room,omitempty"`
	Member  *domain.Member  `json:"member,omitempty"`
	Members []domain.Member `json:"members,omitempty"`
	Signal  *domain.Signal  `json:"signal,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func ErrorFrame(msg string) Frame { return Frame{Type: TypeError, Error: msg} }
