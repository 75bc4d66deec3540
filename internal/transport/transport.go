// Package transport provides the direct peer links chat messages travel
// over. Links are WebRTC data channels negotiated through a Signaler:
// the signaling relay for remote peers or the local bus for peers on the
// same device.
package transport

import (
	"errors"
)

var (
	ErrLinkNotOpen = errors.New("link is not open")
	ErrNoIdentity  = errors.New("local identity not set")
)

// Direction records which side initiated a link.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Link is a bidirectional channel to one peer. Send fails with
// ErrLinkNotOpen until the link has opened and after it has closed.
type Link interface {
	PeerID() string
	Direction() Direction
	Send(data []byte) error
	Close() error
}

// Events receives link lifecycle notifications. For a given link,
// LinkIncoming (inbound links only) precedes LinkOpened, which precedes
// any LinkData; at most one of LinkClosed or LinkFailed is delivered.
// Implementations must not block.
type Events interface {
	LinkIncoming(l Link)
	LinkOpened(l Link)
	LinkData(l Link, data []byte)
	LinkClosed(l Link)
	LinkFailed(l Link, err error)
}

// Transport creates outbound links and reports inbound ones.
type Transport interface {
	Dial(peerID string) (Link, error)
	Attach(ev Events)
}
