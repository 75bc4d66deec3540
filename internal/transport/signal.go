package transport

import (
	"encoding/json"

	"github.com/1ureka/meshchat/internal/identity"
)

// SignalKind identifies a handshake message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalError     SignalKind = "error"
)

// Signal is a handshake message delivered by a Signaler.
type Signal struct {
	Kind     SignalKind
	PeerID   string // remote user id
	PeerName string // remote username, offers only
	To       string // addressed user id; empty when the medium routes for us
	Reply    string // where answers and candidates for this peer go

	SDP       json.RawMessage // offer or answer session description
	Candidate json.RawMessage // candidate envelope
	Err       string          // SignalError only
}

// Signaler moves offers, answers and ICE candidates between peers.
// Offer addresses a user id; Answer and Candidate address the reply
// handle carried by an earlier Signal from that peer.
type Signaler interface {
	Offer(from identity.Identity, targetID string, sdp json.RawMessage) error
	Answer(from identity.Identity, reply string, sdp json.RawMessage) error
	Candidate(from identity.Identity, reply string, candidate json.RawMessage) error
	OnSignal(fn func(Signal))
}

// candidateEnvelope tags a trickled candidate with the sender's link
// direction so that simultaneous links to the same peer stay apart.
type candidateEnvelope struct {
	Dir  string          `json:"dir"`
	Init json.RawMessage `json:"init"`
}
