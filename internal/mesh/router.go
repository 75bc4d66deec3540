package mesh

import (
	"errors"
	"strings"

	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/transport"
	"github.com/1ureka/meshchat/internal/util"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoOpenLink   = errors.New("no open connection")
)

const (
	timeLayout  = "15:04:05"
	unknownUser = "Unknown user"
	ownSender   = "You"

	noticeNoPeers  = "no peers online, message not delivered"
	alertNoPrivate = "no open connection for a private message, connect to a peer first"
)

// SendPublic sends text to every open link and renders it once. It
// returns how many peers it reached; zero is not an error.
func (n *Node) SendPublic(text string) (int, error) {
	var (
		count int
		err   error
	)
	if callErr := n.call(func() { count, err = n.sendPublic(text) }); callErr != nil {
		return 0, callErr
	}
	return count, err
}

// SendPrivate sends text to the first open link. It returns the id of
// the peer that received it.
func (n *Node) SendPrivate(text string) (string, error) {
	var (
		peerID string
		err    error
	)
	if callErr := n.call(func() { peerID, err = n.sendPrivate(text) }); callErr != nil {
		return "", callErr
	}
	return peerID, err
}

func (n *Node) sendPublic(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyMessage
	}

	stamp := n.clock.Now().Format(timeLayout)
	data, err := protocol.Encode(protocol.PublicMessage{Text: text, Time: stamp})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range n.records.list() {
		if rec.state != StateOpen {
			continue
		}
		if err := rec.link.Send(data); err != nil {
			util.LogWarning("send to %s: %v", rec.peerID, err)
			continue
		}
		count++
	}
	util.Stats.AddSent(count)

	n.renderer.Render(Public, ChatMessage{Sender: ownSender, Text: text, Time: stamp, Own: true})
	if count == 0 {
		n.renderer.Render(Public, ChatMessage{Text: noticeNoPeers, Time: stamp, System: true})
	}
	return count, nil
}

func (n *Node) sendPrivate(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	rec, ok := n.records.firstOpen()
	if !ok {
		n.renderer.Alert(alertNoPrivate)
		return "", ErrNoOpenLink
	}

	stamp := n.clock.Now().Format(timeLayout)
	data, err := protocol.Encode(protocol.PrivateMessage{Text: text, Time: stamp})
	if err != nil {
		return "", err
	}
	if err := rec.link.Send(data); err != nil {
		return "", err
	}
	util.Stats.AddSent(1)

	n.renderer.Render(Private, ChatMessage{Sender: ownSender, Text: text, Time: stamp, Own: true})
	return rec.peerID, nil
}

// onData routes one envelope received on l.
func (n *Node) onData(l transport.Link, data []byte) {
	rec, ok := n.records.current(l)
	if !ok {
		util.LogDebug("dropping data from stale link to %s", l.PeerID())
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("dropping envelope from %s: %v", rec.peerID, err)
		return
	}
	util.Stats.AddRecv()

	switch e := env.(type) {
	case protocol.UserInfo:
		rec.remoteUsername = e.Username
		n.list(PeerInfo{UserID: rec.peerID, Username: e.Username, Source: SourceLink})

	case protocol.PublicMessage:
		n.renderer.Render(Public, ChatMessage{Sender: n.name(rec.peerID), Text: e.Text, Time: n.stamp(e.Time)})

	case protocol.PrivateMessage:
		n.renderer.Render(Private, ChatMessage{Sender: n.name(rec.peerID), Text: e.Text, Time: n.stamp(e.Time)})
		n.renderer.PrivateReplyEnabled()
	}
}

// stamp keeps the sender's time when it sent one.
func (n *Node) stamp(remote string) string {
	if remote != "" {
		return remote
	}
	return n.clock.Now().Format(timeLayout)
}

// SendRelayed delivers text to targetID through the signaling relay.
// Nothing is stored: the target must be online.
func (n *Node) SendRelayed(targetID, text string) error {
	var err error
	if callErr := n.call(func() { err = n.sendRelayed(targetID, text) }); callErr != nil {
		return callErr
	}
	return err
}

func (n *Node) sendRelayed(targetID, text string) error {
	targetID = strings.TrimSpace(targetID)
	text = strings.TrimSpace(text)
	switch {
	case targetID == "":
		return ErrEmptyTarget
	case targetID == n.id.UserID:
		return ErrSelfConnect
	case text == "":
		return ErrEmptyMessage
	case n.registrar == nil:
		return ErrNoTransport
	}

	if err := n.registrar.SendMessage(targetID, text); err != nil {
		return err
	}
	n.renderer.Render(Private, ChatMessage{
		Sender: ownSender + " -> " + targetID,
		Text:   text,
		Time:   n.clock.Now().Format(timeLayout),
		Own:    true,
	})
	return nil
}

// HandleRelayedMessage renders a message delivered by the relay.
func (n *Node) HandleRelayedMessage(m protocol.ReceiveMessage) {
	n.post(func() {
		sender := m.FromUsername
		if sender == "" {
			sender = unknownUser
		}
		util.Stats.AddRecv()
		n.renderer.Render(Private, ChatMessage{Sender: sender + " (relay)", Text: m.Message, Time: n.stamp(m.Time)})
	})
}
