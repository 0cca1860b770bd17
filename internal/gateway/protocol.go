package gateway

import "encoding/json"

// Client -> Server message types.
const (
	TypeFindMatch = "find_match"
	TypeSkip      = "skip"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeStrangerMatched = "stranger_matched"
	TypeStrangerIdle    = "stranger_idle"
	TypeStrangerSkipped = "stranger_skipped"
	TypeDegraded        = "degraded"
	TypeError           = "error"
	TypePong            = "pong"
)

// clientMessage is the envelope for everything a client sends.
type clientMessage struct {
	Type      string `json:"type"`
	Continent string `json:"continent,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

// serverMessage is the envelope for everything the gateway sends.
type serverMessage struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
