package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/util"
)

var errReplaced = errors.New("replaced by a newer offer")

type linkKey struct {
	peerID string
	dir    Direction
}

// WebRTC is a Transport whose links are WebRTC data channels negotiated
// through a Signaler. At most one link per (peer, direction) is tracked;
// a newer offer from the same peer replaces the older inbound link.
type WebRTC struct {
	sig  Signaler
	opts Options
	api  *webrtc.API

	mu     sync.Mutex
	local  identity.Identity
	events Events
	links  map[linkKey]*rtcLink
}

// NewWebRTC creates a transport negotiating over sig.
func NewWebRTC(sig Signaler, opts Options) *WebRTC {
	t := &WebRTC{
		sig:   sig,
		opts:  opts,
		api:   newAPI(opts),
		links: make(map[linkKey]*rtcLink),
	}
	sig.OnSignal(t.handleSignal)
	return t
}

// SetLocal sets the identity offers are sent from and signals are
// addressed to.
func (t *WebRTC) SetLocal(id identity.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = id
}

// Attach sets the receiver of link events.
func (t *WebRTC) Attach(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

// Dial creates an outbound link to peerID and starts the handshake in
// the background. Handshake failures are reported through LinkFailed.
func (t *WebRTC) Dial(peerID string) (Link, error) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()
	if local.UserID == "" {
		return nil, ErrNoIdentity
	}

	l, err := newLink(t, peerID, Outbound)
	if err != nil {
		return nil, err
	}
	t.track(l)

	go func() {
		if err := t.offer(local, l); err != nil {
			util.LogWarning("[%s] offer failed: %v", peerID, err)
			l.finish(err)
		}
	}()

	return l, nil
}

func (t *WebRTC) offer(local identity.Identity, l *rtcLink) error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	sdp, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return t.sig.Offer(local, l.peerID, sdp)
}

func (t *WebRTC) answer(local identity.Identity, l *rtcLink, reply string, raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	if err := l.setRemote(offer); err != nil {
		return err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	sdp, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := t.sig.Answer(local, reply, sdp); err != nil {
		return err
	}

	l.enableSignal(reply)
	return nil
}

// ---------------------------------------------------------------------------
// Signal dispatch
// ---------------------------------------------------------------------------

func (t *WebRTC) handleSignal(s Signal) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	if local.UserID == "" || s.PeerID == "" || s.PeerID == local.UserID {
		return
	}
	if s.To != "" && s.To != local.UserID {
		return
	}

	switch s.Kind {
	case SignalOffer:
		t.handleOffer(local, s)

	case SignalAnswer:
		l := t.lookup(s.PeerID, Outbound)
		if l == nil {
			util.LogDebug("[%s] answer for unknown link ignored", s.PeerID)
			return
		}
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(s.SDP, &answer); err != nil {
			l.finish(fmt.Errorf("invalid answer: %w", err))
			return
		}
		if err := l.setRemote(answer); err != nil {
			l.finish(err)
			return
		}
		l.enableSignal(s.Reply)

	case SignalCandidate:
		var env candidateEnvelope
		if err := json.Unmarshal(s.Candidate, &env); err != nil {
			util.LogDebug("[%s] malformed candidate: %v", s.PeerID, err)
			return
		}
		// The sender's outbound link is our inbound one and vice versa.
		dir := Inbound
		if env.Dir == Inbound.String() {
			dir = Outbound
		}
		l := t.lookup(s.PeerID, dir)
		if l == nil {
			return
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Init, &init); err != nil {
			util.LogDebug("[%s] malformed candidate: %v", s.PeerID, err)
			return
		}
		l.addRemote(init)

	case SignalError:
		if l := t.lookup(s.PeerID, Outbound); l != nil {
			l.finish(errors.New(s.Err))
		}
	}
}

func (t *WebRTC) handleOffer(local identity.Identity, s Signal) {
	l, err := newLink(t, s.PeerID, Inbound)
	if err != nil {
		util.LogWarning("[%s] cannot accept offer: %v", s.PeerID, err)
		return
	}
	// The replaced link reports its end before the new one is announced.
	if prev := t.track(l); prev != nil {
		prev.finish(errReplaced)
	}
	t.emitIncoming(l)

	go func() {
		if err := t.answer(local, l, s.Reply, s.SDP); err != nil {
			util.LogWarning("[%s] answer failed: %v", s.PeerID, err)
			l.finish(err)
		}
	}()
}

func (t *WebRTC) sendCandidate(reply string, candidate json.RawMessage) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	if err := t.sig.Candidate(local, reply, candidate); err != nil {
		util.LogDebug("failed to send ICE candidate: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Link registry
// ---------------------------------------------------------------------------

// track registers l, returning the link it displaced, if any.
func (t *WebRTC) track(l *rtcLink) *rtcLink {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := linkKey{l.peerID, l.dir}
	prev := t.links[key]
	t.links[key] = l
	return prev
}

func (t *WebRTC) forget(l *rtcLink) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := linkKey{l.peerID, l.dir}
	if t.links[key] == l {
		delete(t.links, key)
	}
}

func (t *WebRTC) lookup(peerID string, dir Direction) *rtcLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[linkKey{peerID, dir}]
}

// ---------------------------------------------------------------------------
// Event fan-out
// ---------------------------------------------------------------------------

func (t *WebRTC) eventSink() Events {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *WebRTC) emitIncoming(l *rtcLink) {
	if ev := t.eventSink(); ev != nil {
		ev.LinkIncoming(l)
	}
}

func (t *WebRTC) emitOpened(l *rtcLink) {
	if ev := t.eventSink(); ev != nil {
		ev.LinkOpened(l)
	}
}

func (t *WebRTC) emitData(l *rtcLink, data []byte) {
	if ev := t.eventSink(); ev != nil {
		ev.LinkData(l, data)
	}
}

func (t *WebRTC) emitClosed(l *rtcLink) {
	if ev := t.eventSink(); ev != nil {
		ev.LinkClosed(l)
	}
}

func (t *WebRTC) emitFailed(l *rtcLink, err error) {
	if ev := t.eventSink(); ev != nil {
		ev.LinkFailed(l, err)
	}
}
