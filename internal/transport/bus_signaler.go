package transport

import (
	"encoding/json"
	"fmt"

	"github.com/1ureka/meshchat/internal/bus"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/util"
)

// SignalChannel is the bus channel carrying handshakes between peers on
// the same device.
const SignalChannel = "mesh-chat-signal"

// busSignal is the JSON payload published on SignalChannel. Peers are
// addressed by user id; the reply handle is the sender's user id.
type busSignal struct {
	Kind      SignalKind      `json:"kind"`
	From      string          `json:"from"`
	FromName  string          `json:"fromName,omitempty"`
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// BusSignaler is a Signaler over a local bus, used between processes
// that discovered each other without the relay.
type BusSignaler struct {
	b bus.Bus
}

// NewBusSignaler wraps b.
func NewBusSignaler(b bus.Bus) *BusSignaler {
	return &BusSignaler{b: b}
}

func (s *BusSignaler) publish(msg busSignal) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.b.Publish(SignalChannel, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind, err)
	}
	return nil
}

func (s *BusSignaler) Offer(from identity.Identity, targetID string, sdp json.RawMessage) error {
	return s.publish(busSignal{Kind: SignalOffer, From: from.UserID, FromName: from.Username, To: targetID, SDP: sdp})
}

func (s *BusSignaler) Answer(from identity.Identity, reply string, sdp json.RawMessage) error {
	return s.publish(busSignal{Kind: SignalAnswer, From: from.UserID, To: reply, SDP: sdp})
}

func (s *BusSignaler) Candidate(from identity.Identity, reply string, candidate json.RawMessage) error {
	return s.publish(busSignal{Kind: SignalCandidate, From: from.UserID, To: reply, Candidate: candidate})
}

// OnSignal subscribes fn to every handshake on the bus. Addressing is
// left to the caller through Signal.To.
func (s *BusSignaler) OnSignal(fn func(Signal)) {
	_, err := s.b.Subscribe(SignalChannel, func(payload []byte) {
		var msg busSignal
		if err := json.Unmarshal(payload, &msg); err != nil {
			util.LogDebug("dropping malformed bus signal: %v", err)
			return
		}
		fn(Signal{
			Kind:      msg.Kind,
			PeerID:    msg.From,
			PeerName:  msg.FromName,
			To:        msg.To,
			Reply:     msg.From,
			SDP:       msg.SDP,
			Candidate: msg.Candidate,
		})
	})
	if err != nil {
		util.LogWarning("local signaling unavailable: %v", err)
	}
}
