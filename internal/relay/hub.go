// Package relay implements the signaling relay: a WebSocket server that
// keeps a directory of online users and forwards handshake frames
// between their sessions. It never sees chat traffic carried over the
// resulting peer links.
package relay

import (
	"context"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/util"
)

// Session is the hub's view of a connected client. Send must not block;
// it reports false when the frame could not be queued.
type Session interface {
	ID() string
	Send(f protocol.Frame) bool
	Close()
}

// Options configures hub behavior.
type Options struct {
	// RejectDuplicateIDs refuses a registration whose user id is held by
	// another live session instead of letting the newest one win.
	RejectDuplicateIDs bool

	// ReclaimOrphanedIDs hands a user id back to an older session still
	// registered under it when the current holder leaves, and announces
	// the departure only once no session holds the id.
	ReclaimOrphanedIDs bool
}

// Report is the /stats payload.
type Report struct {
	Online int           `json:"online"`
	Users  []SessionInfo `json:"users"`
}

type inbound struct {
	from  Session
	frame protocol.Frame
}

type joinReq struct {
	s    Session
	info SessionInfo
}

// Hub owns the directory. Every mutation happens on the Run goroutine;
// session goroutines only post to its channels.
type Hub struct {
	opts  Options
	clock clock.Clock

	dir      *Directory
	sessions map[string]Session

	joins   chan joinReq
	leaves  chan Session
	frames  chan inbound
	reports chan chan Report
	done    chan struct{}
}

// NewHub creates a hub. A nil clk selects the real clock.
func NewHub(opts Options, clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		opts:     opts,
		clock:    clk,
		dir:      NewDirectory(opts.ReclaimOrphanedIDs),
		sessions: make(map[string]Session),
		joins:    make(chan joinReq),
		leaves:   make(chan Session),
		frames:   make(chan inbound, 256),
		reports:  make(chan chan Report),
		done:     make(chan struct{}),
	}
}

// Run processes hub events until ctx is cancelled, then closes every
// remaining session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case j := <-h.joins:
			h.join(j.s, j.info)

		case s := <-h.leaves:
			h.leave(s)

		case in := <-h.frames:
			if _, ok := h.sessions[in.from.ID()]; ok {
				h.dispatch(in.from, in.frame)
			}

		case reply := <-h.reports:
			users := h.dir.Registered()
			reply <- Report{Online: len(users), Users: users}

		case <-ctx.Done():
			for _, s := range h.sessions {
				s.Close()
			}
			return
		}
	}
}

// Join adds a session. It returns false once the hub has stopped.
func (h *Hub) Join(s Session, info SessionInfo) bool {
	info.Handle = s.ID()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = h.clock.Now()
	}
	select {
	case h.joins <- joinReq{s: s, info: info}:
		return true
	case <-h.done:
		return false
	}
}

// Leave removes a session.
func (h *Hub) Leave(s Session) {
	select {
	case h.leaves <- s:
	case <-h.done:
	}
}

// Deliver queues a frame received from s.
func (h *Hub) Deliver(s Session, f protocol.Frame) {
	select {
	case h.frames <- inbound{from: s, frame: f}:
	case <-h.done:
	}
}

// Report returns the registered users.
func (h *Hub) Report(ctx context.Context) (Report, error) {
	reply := make(chan Report, 1)
	select {
	case h.reports <- reply:
	case <-h.done:
		return Report{}, context.Canceled
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Frame handling (hub goroutine only)
// ---------------------------------------------------------------------------

func (h *Hub) dispatch(from Session, f protocol.Frame) {
	switch f.Type {
	case protocol.FrameRegister:
		h.handleRegister(from, f)
	case protocol.FrameConnectToPeer:
		h.handleConnectToPeer(from, f)
	case protocol.FrameConnectionResponse:
		h.handleConnectionResponse(from, f)
	case protocol.FrameICECandidate:
		h.handleICECandidate(from, f)
	case protocol.FrameDiscoverPeers:
		h.handleDiscoverPeers(from)
	case protocol.FrameSendMessage:
		h.handleSendMessage(from, f)
	default:
		util.LogDebug("session %s sent unknown frame %q", from.ID(), f.Type)
	}
}

func (h *Hub) handleRegister(from Session, f protocol.Frame) {
	var req protocol.Register
	if err := f.DecodeData(&req); err != nil || req.UserID == "" || req.Username == "" {
		h.send(from, protocol.FrameError, protocol.ErrorPayload{Message: "registration requires userId and username"})
		return
	}

	if h.opts.RejectDuplicateIDs && h.dir.HeldByOther(from.ID(), req.UserID) {
		util.LogInfo("session %s: user id %s unavailable", from.ID(), req.UserID)
		h.send(from, protocol.FrameRegistered, protocol.Registered{Success: false, Reason: protocol.ReasonUnavailableID})
		return
	}

	if released := h.dir.Register(from.ID(), req.UserID, req.Username); released != "" {
		h.broadcast(from.ID(), protocol.FrameUserDisconnected, protocol.UserDisconnected{UserID: released})
	}
	util.LogInfo("user registered: %s (%s)", req.Username, req.UserID)

	h.send(from, protocol.FrameRegistered, protocol.Registered{Success: true, Users: h.dir.Users("")})
	if _, ok := h.sessions[from.ID()]; !ok {
		return
	}
	h.broadcast(from.ID(), protocol.FrameUserConnected, protocol.UserSummary{UserID: req.UserID, Username: req.Username})
}

func (h *Hub) handleConnectToPeer(from Session, f protocol.Frame) {
	var req protocol.ConnectToPeer
	if err := f.DecodeData(&req); err != nil {
		util.LogDebug("session %s: %v", from.ID(), err)
		return
	}
	util.LogDebug("connect request from %s to %s", req.FromID, req.TargetID)

	handle, ok := h.dir.Lookup(req.TargetID)
	target, live := h.sessions[handle]
	if !ok || !live {
		h.send(from, protocol.FrameError, protocol.ErrorPayload{
			Message:  "target user is not online",
			TargetID: req.TargetID,
		})
		return
	}

	h.forward(target, protocol.FrameConnectionRequest, protocol.ConnectionRequest{
		FromID:       req.FromID,
		FromUsername: req.FromUsername,
		Offer:        req.Offer,
		FromSession:  from.ID(),
	})
}

func (h *Hub) handleConnectionResponse(from Session, f protocol.Frame) {
	var req protocol.ConnectionResponse
	if err := f.DecodeData(&req); err != nil {
		util.LogDebug("session %s: %v", from.ID(), err)
		return
	}
	target, ok := h.sessions[req.TargetSession]
	if !ok {
		return
	}
	h.forward(target, protocol.FrameConnectionAnswer, protocol.ConnectionAnswer{
		Answer:      req.Answer,
		FromSession: from.ID(),
		FromID:      h.userID(from),
	})
}

func (h *Hub) handleICECandidate(from Session, f protocol.Frame) {
	var req protocol.ICECandidate
	if err := f.DecodeData(&req); err != nil {
		util.LogDebug("session %s: %v", from.ID(), err)
		return
	}
	target, ok := h.sessions[req.TargetSession]
	if !ok {
		return
	}
	h.forward(target, protocol.FrameICECandidate, protocol.ICECandidate{
		Candidate:   req.Candidate,
		FromSession: from.ID(),
		FromID:      h.userID(from),
	})
}

func (h *Hub) handleDiscoverPeers(from Session) {
	info, ok := h.dir.Get(from.ID())
	if !ok || !info.registered() {
		return
	}
	peers := h.dir.Users(from.ID())
	util.LogDebug("user %s discovered %d peers", info.UserID, len(peers))
	h.send(from, protocol.FramePeersList, peers)
}

func (h *Hub) handleSendMessage(from Session, f protocol.Frame) {
	var req protocol.SendMessage
	if err := f.DecodeData(&req); err != nil {
		return
	}
	handle, ok := h.dir.Lookup(req.TargetID)
	target, live := h.sessions[handle]
	if !ok || !live {
		return
	}
	info, _ := h.dir.Get(from.ID())
	h.forward(target, protocol.FrameReceiveMessage, protocol.ReceiveMessage{
		FromID:       info.UserID,
		FromUsername: info.Username,
		Message:      req.Message,
		Time:         h.clock.Now().Format("15:04:05"),
	})
}

func (h *Hub) join(s Session, info SessionInfo) {
	h.sessions[s.ID()] = s
	h.dir.Add(info)
	util.Stats.SessionOpened()
	util.LogInfo("session %s connected from %s", s.ID(), info.RemoteAddr)
}

func (h *Hub) leave(s Session) {
	if _, ok := h.sessions[s.ID()]; !ok {
		return
	}
	delete(h.sessions, s.ID())
	util.Stats.SessionClosed()

	info, announce := h.dir.Remove(s.ID())
	if info.registered() {
		util.LogInfo("user disconnected: %s (%s)", info.Username, info.UserID)
	} else {
		util.LogDebug("session %s disconnected", s.ID())
	}
	if announce {
		h.broadcast(s.ID(), protocol.FrameUserDisconnected, protocol.UserDisconnected{UserID: info.UserID})
	}
}

// ---------------------------------------------------------------------------
// Output helpers
// ---------------------------------------------------------------------------

func (h *Hub) userID(s Session) string {
	info, _ := h.dir.Get(s.ID())
	return info.UserID
}

func (h *Hub) frame(typ protocol.FrameType, payload any) (protocol.Frame, bool) {
	f, err := protocol.NewFrame(typ, payload)
	if err != nil {
		util.LogError("%v", err)
		return protocol.Frame{}, false
	}
	return f, true
}

// send queues a frame for s, dropping the session when its outbox is full.
func (h *Hub) send(s Session, typ protocol.FrameType, payload any) {
	f, ok := h.frame(typ, payload)
	if !ok {
		return
	}
	if !s.Send(f) {
		util.LogWarning("session %s is not keeping up, dropping it", s.ID())
		s.Close()
		h.leave(s)
	}
}

func (h *Hub) forward(s Session, typ protocol.FrameType, payload any) {
	util.Stats.AddRelayed()
	h.send(s, typ, payload)
}

// broadcast sends to every session except the one with handle except.
func (h *Hub) broadcast(except string, typ protocol.FrameType, payload any) {
	f, ok := h.frame(typ, payload)
	if !ok {
		return
	}
	var slow []Session
	for id, s := range h.sessions {
		if id == except {
			continue
		}
		if !s.Send(f) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		util.LogWarning("session %s is not keeping up, dropping it", s.ID())
		s.Close()
		h.leave(s)
	}
}
