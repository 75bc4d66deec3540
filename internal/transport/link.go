package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/util"
)

// rtcLink wraps a single PeerConnection + DataChannel pair negotiated for
// one peer. Candidates are buffered in both directions until the
// handshake reaches the point where they can be used: local ones until
// the remote reply handle is known, remote ones until the remote
// description is applied.
type rtcLink struct {
	owner  *WebRTC
	peerID string
	dir    Direction

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal chan struct{}

	mu            sync.Mutex
	reply         string
	canSignal     bool
	pendingLocal  []json.RawMessage
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	finished      bool
}

func newLink(owner *WebRTC, peerID string, dir Direction) (*rtcLink, error) {
	pc, err := newPeerConnection(owner.api, owner.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	l := &rtcLink{
		owner:      owner,
		peerID:     peerID,
		dir:        dir,
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			close(l.openSignal)
			util.LogDebug("[%s/%s] DataChannel open", peerID, dir)
			if !l.isFinished() {
				owner.emitOpened(l)
			}
		})
	})

	dc.OnClose(func() {
		util.LogDebug("[%s/%s] DataChannel closed", peerID, dir)
		l.finish(nil)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !l.isFinished() {
			owner.emitData(l, msg.Data)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s/%s] PeerConnection state: %s", peerID, dir, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			l.finish(fmt.Errorf("peer connection %s", state.String()))
		case webrtc.PeerConnectionStateClosed:
			l.finish(nil)
		}
	})

	// Trickle ICE candidates.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		data, _ := json.Marshal(candidateEnvelope{Dir: dir.String(), Init: init})
		l.queueLocal(data)
	})

	return l, nil
}

func (l *rtcLink) PeerID() string       { return l.peerID }
func (l *rtcLink) Direction() Direction { return l.dir }

// Send writes data as a text message on the DataChannel.
func (l *rtcLink) Send(data []byte) error {
	if l.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrLinkNotOpen
	}
	if err := l.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("failed to send to %s: %w", l.peerID, err)
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection. No further events
// are delivered for the link.
func (l *rtcLink) Close() error {
	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()

	l.owner.forget(l)
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// Ready returns a channel closed once the DataChannel is open.
func (l *rtcLink) Ready() <-chan struct{} {
	return l.openSignal
}

func (l *rtcLink) isFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// finish delivers the single terminal event for the link.
func (l *rtcLink) finish(err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.mu.Unlock()

	l.owner.forget(l)
	if err != nil {
		l.owner.emitFailed(l, err)
	} else {
		l.owner.emitClosed(l)
	}
	l.pc.Close()
}

// ---------------------------------------------------------------------------
// Candidate buffering
// ---------------------------------------------------------------------------

func (l *rtcLink) queueLocal(candidate json.RawMessage) {
	l.mu.Lock()
	if !l.canSignal {
		l.pendingLocal = append(l.pendingLocal, candidate)
		l.mu.Unlock()
		return
	}
	reply := l.reply
	l.mu.Unlock()

	l.owner.sendCandidate(reply, candidate)
}

// enableSignal records where candidates go and flushes the buffered ones.
func (l *rtcLink) enableSignal(reply string) {
	l.mu.Lock()
	l.reply = reply
	l.canSignal = true
	pending := l.pendingLocal
	l.pendingLocal = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.owner.sendCandidate(reply, c)
	}
}

func (l *rtcLink) addRemote(init webrtc.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteSet {
		l.pendingRemote = append(l.pendingRemote, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		util.LogDebug("[%s/%s] AddICECandidate failed: %v", l.peerID, l.dir, err)
	}
}

// setRemote applies the remote description and flushes buffered remote
// candidates.
func (l *rtcLink) setRemote(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingRemote
	l.pendingRemote = nil
	l.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			util.LogDebug("[%s/%s] AddICECandidate failed: %v", l.peerID, l.dir, err)
		}
	}
	return nil
}
