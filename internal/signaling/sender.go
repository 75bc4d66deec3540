package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/protocol"
)

// sender serializes outgoing relay frames to the WebSocket (private).
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a frame to the WebSocket, guarded by a mutex.
func (s *sender) send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(f)
}

// Register announces id to the relay.
func (c *Client) Register(id identity.Identity) error {
	return c.send(protocol.FrameRegister, protocol.Register{UserID: id.UserID, Username: id.Username})
}

// ConnectToPeer asks the relay to deliver offer to the session holding targetID.
func (c *Client) ConnectToPeer(from identity.Identity, targetID string, offer json.RawMessage) error {
	return c.send(protocol.FrameConnectToPeer, protocol.ConnectToPeer{
		TargetID:     targetID,
		FromID:       from.UserID,
		FromUsername: from.Username,
		Offer:        offer,
	})
}

// Respond sends answer back to the session an offer came from.
func (c *Client) Respond(targetSession string, answer json.RawMessage) error {
	return c.send(protocol.FrameConnectionResponse, protocol.ConnectionResponse{
		TargetSession: targetSession,
		Answer:        answer,
	})
}

// SendCandidate trickles an ICE candidate to targetSession.
func (c *Client) SendCandidate(targetSession string, candidate json.RawMessage) error {
	return c.send(protocol.FrameICECandidate, protocol.ICECandidate{
		TargetSession: targetSession,
		Candidate:     candidate,
	})
}

// DiscoverPeers requests the list of other registered users.
func (c *Client) DiscoverPeers() error {
	return c.send(protocol.FrameDiscoverPeers, nil)
}

// SendMessage relays a transient text message to targetID.
func (c *Client) SendMessage(targetID, text string) error {
	return c.send(protocol.FrameSendMessage, protocol.SendMessage{TargetID: targetID, Message: text})
}
