// Package protocol defines the wire formats shared by chat peers: the
// data-channel envelope exchanged over direct links and the JSON frames
// exchanged with the signaling relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a data-channel envelope.
type Kind string

const (
	KindUserInfo       Kind = "user-info"
	KindPublicMessage  Kind = "public-message"
	KindPrivateMessage Kind = "private-message"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is one of UserInfo, PublicMessage or PrivateMessage.
type Envelope interface {
	Kind() Kind
	envelope()
}

// UserInfo is the handshake each side sends once a link opens.
type UserInfo struct {
	UserID   string
	Username string
	Time     int64 // sender clock, unix milliseconds
}

// PublicMessage is a broadcast chat line.
type PublicMessage struct {
	Text string
	Time string // sender's HH:MM:SS stamp, may be empty
}

// PrivateMessage is a chat line addressed to a single link.
type PrivateMessage struct {
	Text string
	Time string
}

func (UserInfo) Kind() Kind       { return KindUserInfo }
func (PublicMessage) Kind() Kind  { return KindPublicMessage }
func (PrivateMessage) Kind() Kind { return KindPrivateMessage }

func (UserInfo) envelope()       {}
func (PublicMessage) envelope()  {}
func (PrivateMessage) envelope() {}

// wireEnvelope is the JSON shape on the data channel. Pointer fields
// distinguish a missing key from an empty value.
type wireEnvelope struct {
	Type     *string         `json:"type"`
	UserID   *string         `json:"userId,omitempty"`
	Username *string         `json:"username,omitempty"`
	Text     *string         `json:"text,omitempty"`
	Time     json.RawMessage `json:"time,omitempty"`
}

// Encode serializes an envelope to its JSON wire form.
func Encode(e Envelope) ([]byte, error) {
	typ := string(e.Kind())
	w := wireEnvelope{Type: &typ}

	switch v := e.(type) {
	case UserInfo:
		w.UserID = &v.UserID
		w.Username = &v.Username
		w.Time, _ = json.Marshal(v.Time)
	case PublicMessage:
		w.Text = &v.Text
		if v.Time != "" {
			w.Time, _ = json.Marshal(v.Time)
		}
	case PrivateMessage:
		w.Text = &v.Text
		if v.Time != "" {
			w.Time, _ = json.Marshal(v.Time)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}

	return json.Marshal(w)
}

// Decode parses and validates a data-channel payload. Anything that is
// not a JSON object with a known type and its required fields is
// rejected with an error wrapping ErrMalformed or ErrUnknownType.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Kind(*w.Type) {
	case KindUserInfo:
		if w.Username == nil || *w.Username == "" {
			return nil, fmt.Errorf("%w: user-info without username", ErrMalformed)
		}
		info := UserInfo{Username: *w.Username}
		if w.UserID != nil {
			info.UserID = *w.UserID
		}
		var ms int64
		if json.Unmarshal(w.Time, &ms) == nil {
			info.Time = ms
		}
		return info, nil

	case KindPublicMessage, KindPrivateMessage:
		if w.Text == nil {
			return nil, fmt.Errorf("%w: %s without text", ErrMalformed, *w.Type)
		}
		var stamp string
		if json.Unmarshal(w.Time, &stamp) != nil {
			stamp = ""
		}
		if Kind(*w.Type) == KindPublicMessage {
			return PublicMessage{Text: *w.Text, Time: stamp}, nil
		}
		return PrivateMessage{Text: *w.Text, Time: stamp}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *w.Type)
	}
}
