package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a relay frame.
type FrameType string

// Client → relay.
const (
	FrameRegister           FrameType = "register"
	FrameConnectToPeer      FrameType = "connect-to-peer"
	FrameConnectionResponse FrameType = "connection-response"
	FrameDiscoverPeers      FrameType = "discover-peers"
	FrameSendMessage        FrameType = "send-message"
)

// Relay → client.
const (
	FrameRegistered        FrameType = "registered"
	FrameUserConnected     FrameType = "user-connected"
	FrameUserDisconnected  FrameType = "user-disconnected"
	FrameConnectionRequest FrameType = "connection-request"
	FrameConnectionAnswer  FrameType = "connection-answer"
	FramePeersList         FrameType = "peers-list"
	FrameReceiveMessage    FrameType = "receive-message"
	FrameError             FrameType = "error"
)

// FrameICECandidate travels in both directions.
const FrameICECandidate FrameType = "ice-candidate"

// ReasonUnavailableID is reported when a user id is already held by
// another live session.
const ReasonUnavailableID = "unavailable-id"

// Frame is the JSON structure exchanged over the relay WebSocket.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame of the given type. A nil payload
// yields a frame without data.
func NewFrame(typ FrameType, payload any) (Frame, error) {
	f := Frame{Type: typ}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s frame: %w", typ, err)
	}
	f.Data = data
	return f, nil
}

// DecodeData unmarshals the frame's data into v.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Type, err)
	}
	return nil
}

// UserSummary is a directory entry as seen by clients.
type UserSummary struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Register struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Registered struct {
	Success bool          `json:"success"`
	Users   []UserSummary `json:"users,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

type UserDisconnected struct {
	UserID string `json:"userId"`
}

// ConnectToPeer carries an SDP offer for the session registered as TargetID.
type ConnectToPeer struct {
	TargetID     string          `json:"targetId"`
	FromID       string          `json:"fromId"`
	FromUsername string          `json:"fromUsername"`
	Offer        json.RawMessage `json:"offer"`
}

type ConnectionRequest struct {
	FromID       string          `json:"fromId"`
	FromUsername string          `json:"fromUsername"`
	Offer        json.RawMessage `json:"offer"`
	FromSession  string          `json:"fromSession"`
}

type ConnectionResponse struct {
	TargetSession string          `json:"targetSession"`
	Answer        json.RawMessage `json:"answer"`
}

type ConnectionAnswer struct {
	Answer      json.RawMessage `json:"answer"`
	FromSession string          `json:"fromSession"`
	FromID      string          `json:"fromId,omitempty"`
}

// ICECandidate is sent with TargetSession and delivered with FromSession.
type ICECandidate struct {
	TargetSession string          `json:"targetSession,omitempty"`
	Candidate     json.RawMessage `json:"candidate"`
	FromSession   string          `json:"fromSession,omitempty"`
	FromID        string          `json:"fromId,omitempty"`
}

type SendMessage struct {
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
}

type ReceiveMessage struct {
	FromID       string `json:"fromId"`
	FromUsername string `json:"fromUsername"`
	Message      string `json:"message"`
	Time         string `json:"time"`
}

type ErrorPayload struct {
	Message  string `json:"message"`
	TargetID string `json:"targetId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
