package signaling

import (
	"encoding/json"

	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/transport"
	"github.com/1ureka/meshchat/internal/util"
)

// RelaySignaler adapts a Client to transport.Signaler. Reply handles are
// relay session handles.
type RelaySignaler struct {
	c *Client
}

// NewRelaySignaler wraps c.
func NewRelaySignaler(c *Client) *RelaySignaler {
	return &RelaySignaler{c: c}
}

func (s *RelaySignaler) Offer(from identity.Identity, targetID string, sdp json.RawMessage) error {
	return s.c.ConnectToPeer(from, targetID, sdp)
}

func (s *RelaySignaler) Answer(_ identity.Identity, reply string, sdp json.RawMessage) error {
	return s.c.Respond(reply, sdp)
}

func (s *RelaySignaler) Candidate(_ identity.Identity, reply string, candidate json.RawMessage) error {
	return s.c.SendCandidate(reply, candidate)
}

// OnSignal converts handshake frames into transport signals. Routing
// errors that name a target become SignalError for that peer.
func (s *RelaySignaler) OnSignal(fn func(transport.Signal)) {
	s.c.Handle(protocol.FrameConnectionRequest, func(f protocol.Frame) {
		var req protocol.ConnectionRequest
		if err := f.DecodeData(&req); err != nil {
			util.LogDebug("%v", err)
			return
		}
		fn(transport.Signal{
			Kind:     transport.SignalOffer,
			PeerID:   req.FromID,
			PeerName: req.FromUsername,
			Reply:    req.FromSession,
			SDP:      req.Offer,
		})
	})

	s.c.Handle(protocol.FrameConnectionAnswer, func(f protocol.Frame) {
		var ans protocol.ConnectionAnswer
		if err := f.DecodeData(&ans); err != nil {
			util.LogDebug("%v", err)
			return
		}
		fn(transport.Signal{
			Kind:   transport.SignalAnswer,
			PeerID: ans.FromID,
			Reply:  ans.FromSession,
			SDP:    ans.Answer,
		})
	})

	s.c.Handle(protocol.FrameICECandidate, func(f protocol.Frame) {
		var ice protocol.ICECandidate
		if err := f.DecodeData(&ice); err != nil {
			util.LogDebug("%v", err)
			return
		}
		fn(transport.Signal{
			Kind:      transport.SignalCandidate,
			PeerID:    ice.FromID,
			Reply:     ice.FromSession,
			Candidate: ice.Candidate,
		})
	})

	s.c.Handle(protocol.FrameError, func(f protocol.Frame) {
		var e protocol.ErrorPayload
		if err := f.DecodeData(&e); err != nil || e.TargetID == "" {
			return
		}
		fn(transport.Signal{
			Kind:   transport.SignalError,
			PeerID: e.TargetID,
			Err:    e.Message,
		})
	})
}
