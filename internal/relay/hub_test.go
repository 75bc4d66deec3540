package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeSession struct {
	id     string
	frames []protocol.Frame
	full   bool
	closed bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(f protocol.Frame) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, f)
	return true
}

func (s *fakeSession) Close() { s.closed = true }

// take returns and clears the frames received so far.
func (s *fakeSession) take() []protocol.Frame {
	out := s.frames
	s.frames = nil
	return out
}

func (s *fakeSession) only(t *testing.T, typ protocol.FrameType, v any) {
	t.Helper()
	frames := s.take()
	if len(frames) != 1 {
		t.Fatalf("session %s got %d frames %v, want one %s", s.id, len(frames), frames, typ)
	}
	if frames[0].Type != typ {
		t.Fatalf("session %s got %s, want %s", s.id, frames[0].Type, typ)
	}
	if v != nil {
		if err := frames[0].DecodeData(v); err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
	}
}

func (s *fakeSession) none(t *testing.T) {
	t.Helper()
	if frames := s.take(); len(frames) != 0 {
		t.Fatalf("session %s got unexpected frames %v", s.id, frames)
	}
}

var t0 = time.Date(2026, 3, 4, 13, 14, 15, 0, time.UTC)

func newTestHub(opts Options) *Hub {
	return NewHub(opts, clock.Fake(t0))
}

func connect(h *Hub, id string) *fakeSession {
	s := &fakeSession{id: id}
	h.join(s, SessionInfo{Handle: id, ConnectedAt: t0})
	return s
}

func frame(t *testing.T, typ protocol.FrameType, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func register(t *testing.T, h *Hub, s *fakeSession, userID, name string) {
	t.Helper()
	h.dispatch(s, frame(t, protocol.FrameRegister, protocol.Register{UserID: userID, Username: name}))
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterRepliesAndAnnounces(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")

	register(t, h, a, "11111", "alice")
	var reg protocol.Registered
	a.only(t, protocol.FrameRegistered, &reg)
	if !reg.Success || len(reg.Users) != 1 || reg.Users[0].UserID != "11111" {
		t.Fatalf("registered = %+v, want success with alice", reg)
	}
	var joined protocol.UserSummary
	b.only(t, protocol.FrameUserConnected, &joined)
	if joined.UserID != "11111" || joined.Username != "alice" {
		t.Errorf("user-connected = %+v", joined)
	}

	register(t, h, b, "22222", "bob")
	b.only(t, protocol.FrameRegistered, &reg)
	if len(reg.Users) != 2 {
		t.Errorf("snapshot has %d users, want 2 including the caller", len(reg.Users))
	}
	a.only(t, protocol.FrameUserConnected, nil)
}

func TestRegisterRejectsEmptyFields(t *testing.T) {
	testCases := []struct {
		name string
		req  protocol.Register
	}{
		{"empty id", protocol.Register{Username: "alice"}},
		{"empty name", protocol.Register{UserID: "11111"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(Options{})
			a, b := connect(h, "a"), connect(h, "b")

			h.dispatch(a, frame(t, protocol.FrameRegister, tc.req))

			var e protocol.ErrorPayload
			a.only(t, protocol.FrameError, &e)
			if e.Message == "" {
				t.Error("error frame without message")
			}
			b.none(t)
			if len(h.dir.Users("")) != 0 {
				t.Error("directory changed")
			}
		})
	}
}

func TestDuplicateIDLastWriteWins(t *testing.T) {
	h := newTestHub(Options{})
	old, fresh, watcher := connect(h, "old"), connect(h, "new"), connect(h, "w")

	register(t, h, old, "12345", "first")
	register(t, h, fresh, "12345", "second")
	old.take()
	fresh.take()
	watcher.take()

	if handle, _ := h.dir.Lookup("12345"); handle != "new" {
		t.Fatalf("index points at %q, want new", handle)
	}

	// Every registered session announces its own teardown.
	h.leave(fresh)
	var gone protocol.UserDisconnected
	watcher.only(t, protocol.FrameUserDisconnected, &gone)
	if gone.UserID != "12345" {
		t.Errorf("user-disconnected = %+v", gone)
	}
	old.take()

	// The orphan is not handed the id back.
	caller := connect(h, "c")
	h.dispatch(caller, frame(t, protocol.FrameConnectToPeer, protocol.ConnectToPeer{
		TargetID: "12345", FromID: "33333", FromUsername: "carol", Offer: json.RawMessage(`{}`),
	}))
	var e protocol.ErrorPayload
	caller.only(t, protocol.FrameError, &e)
	if e.TargetID != "12345" {
		t.Errorf("error = %+v, want targetId 12345", e)
	}
	old.none(t)

	h.leave(old)
	watcher.only(t, protocol.FrameUserDisconnected, &gone)
}

func TestReclaimOrphanedIDs(t *testing.T) {
	h := newTestHub(Options{ReclaimOrphanedIDs: true})
	old, fresh, watcher := connect(h, "old"), connect(h, "new"), connect(h, "w")

	register(t, h, old, "12345", "first")
	register(t, h, fresh, "12345", "second")
	old.take()
	fresh.take()
	watcher.take()

	h.leave(fresh)
	watcher.none(t)
	if handle, _ := h.dir.Lookup("12345"); handle != "old" {
		t.Fatalf("index points at %q, want old", handle)
	}

	h.leave(old)
	watcher.only(t, protocol.FrameUserDisconnected, nil)
}

func TestDuplicateIDRejected(t *testing.T) {
	h := newTestHub(Options{RejectDuplicateIDs: true})
	a, b := connect(h, "a"), connect(h, "b")

	register(t, h, a, "12345", "alice")
	a.take()
	b.take()

	register(t, h, b, "12345", "mallory")
	var reg protocol.Registered
	b.only(t, protocol.FrameRegistered, &reg)
	if reg.Success || reg.Reason != protocol.ReasonUnavailableID {
		t.Fatalf("registered = %+v, want failure with unavailable-id", reg)
	}
	a.none(t)
	if handle, _ := h.dir.Lookup("12345"); handle != "a" {
		t.Errorf("index points at %q, want a", handle)
	}

	// The same session may re-register its own id.
	register(t, h, a, "12345", "alice")
	a.only(t, protocol.FrameRegistered, &reg)
	if !reg.Success {
		t.Error("re-registering an owned id was refused")
	}
}

func TestReRegisterReleasesOldID(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")

	register(t, h, a, "11111", "alice")
	a.take()
	b.take()

	register(t, h, a, "22222", "alice")
	frames := b.take()
	if len(frames) != 2 || frames[0].Type != protocol.FrameUserDisconnected || frames[1].Type != protocol.FrameUserConnected {
		t.Fatalf("b got %v, want user-disconnected then user-connected", frames)
	}
}

// ---------------------------------------------------------------------------
// Handshake forwarding
// ---------------------------------------------------------------------------

func TestConnectToPeer(t *testing.T) {
	h := newTestHub(Options{})
	a, b, c := connect(h, "a"), connect(h, "b"), connect(h, "c")
	register(t, h, a, "11111", "alice")
	register(t, h, b, "22222", "bob")
	a.take()
	b.take()
	c.take()

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	h.dispatch(a, frame(t, protocol.FrameConnectToPeer, protocol.ConnectToPeer{
		TargetID: "22222", FromID: "11111", FromUsername: "alice", Offer: offer,
	}))

	var req protocol.ConnectionRequest
	b.only(t, protocol.FrameConnectionRequest, &req)
	if req.FromID != "11111" || req.FromUsername != "alice" || req.FromSession != "a" || string(req.Offer) != string(offer) {
		t.Errorf("connection-request = %+v", req)
	}
	a.none(t)
	c.none(t)

	h.dispatch(a, frame(t, protocol.FrameConnectToPeer, protocol.ConnectToPeer{TargetID: "99999", FromID: "11111"}))
	var e protocol.ErrorPayload
	a.only(t, protocol.FrameError, &e)
	if e.TargetID != "99999" || e.Message == "" {
		t.Errorf("error = %+v", e)
	}
	b.none(t)
	c.none(t)
}

func TestConnectionResponseAndCandidates(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")
	register(t, h, a, "11111", "alice")
	register(t, h, b, "22222", "bob")
	a.take()
	b.take()

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	h.dispatch(b, frame(t, protocol.FrameConnectionResponse, protocol.ConnectionResponse{TargetSession: "a", Answer: answer}))
	var ans protocol.ConnectionAnswer
	a.only(t, protocol.FrameConnectionAnswer, &ans)
	if ans.FromSession != "b" || ans.FromID != "22222" || string(ans.Answer) != string(answer) {
		t.Errorf("connection-answer = %+v", ans)
	}

	cand := json.RawMessage(`{"dir":"inbound","init":{"candidate":"c"}}`)
	h.dispatch(b, frame(t, protocol.FrameICECandidate, protocol.ICECandidate{TargetSession: "a", Candidate: cand}))
	var ice protocol.ICECandidate
	a.only(t, protocol.FrameICECandidate, &ice)
	if ice.FromSession != "b" || ice.FromID != "22222" || ice.TargetSession != "" || string(ice.Candidate) != string(cand) {
		t.Errorf("ice-candidate = %+v", ice)
	}

	// Vanished targets are dropped silently.
	h.dispatch(b, frame(t, protocol.FrameICECandidate, protocol.ICECandidate{TargetSession: "gone", Candidate: cand}))
	h.dispatch(b, frame(t, protocol.FrameConnectionResponse, protocol.ConnectionResponse{TargetSession: "gone", Answer: answer}))
	a.none(t)
	b.none(t)
}

// ---------------------------------------------------------------------------
// Directory queries and messages
// ---------------------------------------------------------------------------

func TestDiscoverPeers(t *testing.T) {
	h := newTestHub(Options{})
	a, b, anon := connect(h, "a"), connect(h, "b"), connect(h, "anon")
	register(t, h, a, "11111", "alice")
	register(t, h, b, "22222", "bob")
	a.take()
	b.take()
	anon.take()

	h.dispatch(a, frame(t, protocol.FrameDiscoverPeers, nil))
	var peers []protocol.UserSummary
	a.only(t, protocol.FramePeersList, &peers)
	if len(peers) != 1 || peers[0].UserID != "22222" {
		t.Errorf("peers-list = %+v, want only bob", peers)
	}

	h.dispatch(anon, frame(t, protocol.FrameDiscoverPeers, nil))
	anon.none(t)
}

func TestSendMessage(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")
	register(t, h, a, "11111", "alice")
	register(t, h, b, "22222", "bob")
	a.take()
	b.take()

	h.dispatch(a, frame(t, protocol.FrameSendMessage, protocol.SendMessage{TargetID: "22222", Message: "hello"}))
	var msg protocol.ReceiveMessage
	b.only(t, protocol.FrameReceiveMessage, &msg)
	want := protocol.ReceiveMessage{FromID: "11111", FromUsername: "alice", Message: "hello", Time: "13:14:15"}
	if msg != want {
		t.Errorf("receive-message = %+v, want %+v", msg, want)
	}

	h.dispatch(a, frame(t, protocol.FrameSendMessage, protocol.SendMessage{TargetID: "99999", Message: "x"}))
	a.none(t)
}

func TestUnknownFrameIgnored(t *testing.T) {
	h := newTestHub(Options{})
	a := connect(h, "a")
	h.dispatch(a, protocol.Frame{Type: "teleport"})
	a.none(t)
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestSlowSessionDropped(t *testing.T) {
	h := newTestHub(Options{})
	a, b, c := connect(h, "a"), connect(h, "b"), connect(h, "c")
	register(t, h, b, "22222", "bob")
	a.take()
	b.take()
	c.take()

	b.full = true
	register(t, h, a, "11111", "alice")

	if !b.closed {
		t.Fatal("slow session was not closed")
	}
	if _, ok := h.sessions["b"]; ok {
		t.Fatal("slow session still tracked")
	}

	var sawDisconnect bool
	for _, f := range c.take() {
		if f.Type == protocol.FrameUserDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("peers were not told the slow session left")
	}
}

func TestRegisterDroppedCallerNotAnnounced(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")

	a.full = true
	register(t, h, a, "11111", "alice")

	if _, ok := h.sessions["a"]; ok {
		t.Fatal("slow session still tracked")
	}
	for _, f := range b.take() {
		if f.Type == protocol.FrameUserConnected {
			t.Fatal("user-connected broadcast for a dropped session")
		}
	}
}

func TestLeaveUnregisteredIsQuiet(t *testing.T) {
	h := newTestHub(Options{})
	a, b := connect(h, "a"), connect(h, "b")

	h.leave(a)
	h.leave(a)
	b.none(t)
	if h.dir.Len() != 1 {
		t.Errorf("directory has %d sessions, want 1", h.dir.Len())
	}
}
