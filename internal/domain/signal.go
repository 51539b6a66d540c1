package domain

// SignalEvent names the broadcast event a Signal travels under.
type SignalEvent string

const (
	EventOffer        SignalEvent = "offer"
	EventAnswer       SignalEvent = "answer"
	EventICECandidate SignalEvent = "ice-candidate"
)

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is a directed signaling message. It is always sent over the room
// broadcast channel, so receivers must check To.
type Signal struct {
	Event     SignalEvent `json:"event"`
	From      PeerID      `json:"from"`
	To        PeerID      `json:"to"`
	SDPType   string      `json:"sdp_type,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
}

func (s Signal) AddressedTo(id PeerID) bool { return s.To == id }
