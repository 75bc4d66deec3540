package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/transport"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeLink struct {
	peer string
	dir  transport.Direction

	mu     sync.Mutex
	open   bool
	closed bool
	sent   [][]byte
}

func (l *fakeLink) PeerID() string                 { return l.peer }
func (l *fakeLink) Direction() transport.Direction { return l.dir }

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open || l.closed {
		return transport.ErrLinkNotOpen
	}
	l.sent = append(l.sent, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// envelopes decodes everything sent on the link.
func (l *fakeLink) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.Envelope
	for _, data := range l.sent {
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("link to %s carried an invalid envelope: %v", l.peer, err)
		}
		out = append(out, env)
	}
	return out
}

// ofKind filters envelopes by kind.
func ofKind(envs []protocol.Envelope, k protocol.Kind) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	ev     transport.Events
	dialed []*fakeLink
	local  identity.Identity
}

func (t *fakeTransport) Attach(ev transport.Events) { t.ev = ev }

func (t *fakeTransport) SetLocal(id identity.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = id
}

func (t *fakeTransport) Dial(peerID string) (transport.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &fakeLink{peer: peerID, dir: transport.Outbound}
	t.dialed = append(t.dialed, l)
	return l, nil
}

func (t *fakeTransport) dials() []*fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeLink(nil), t.dialed...)
}

func (t *fakeTransport) identity() identity.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// open marks l open and reports it to the node.
func (t *fakeTransport) open(l *fakeLink) {
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	t.ev.LinkOpened(l)
}

// incoming reports a new inbound link from peerID.
func (t *fakeTransport) incoming(peerID string) *fakeLink {
	l := &fakeLink{peer: peerID, dir: transport.Inbound}
	t.ev.LinkIncoming(l)
	return l
}

type rendered struct {
	conv Conversation
	msg  ChatMessage
}

type fakeRenderer struct {
	mu         sync.Mutex
	messages   []rendered
	listed     []PeerInfo
	retracted  []string
	alerts     []string
	replies    int
	identities []identity.Identity
}

func (r *fakeRenderer) Render(conv Conversation, msg ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, rendered{conv, msg})
}

func (r *fakeRenderer) PeerListed(p PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed = append(r.listed, p)
}

func (r *fakeRenderer) PeerRetracted(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retracted = append(r.retracted, userID)
}

func (r *fakeRenderer) Alert(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, text)
}

func (r *fakeRenderer) PrivateReplyEnabled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies++
}

func (r *fakeRenderer) IdentityChanged(id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = append(r.identities, id)
}

// mutations counts every call the node made on the renderer.
func (r *fakeRenderer) mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages) + len(r.listed) + len(r.retracted) + len(r.alerts) + r.replies + len(r.identities)
}

func (r *fakeRenderer) rendered() []rendered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rendered(nil), r.messages...)
}

func (r *fakeRenderer) listCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.listed {
		if p.UserID == userID {
			n++
		}
	}
	return n
}

func (r *fakeRenderer) retractCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.retracted {
		if id == userID {
			n++
		}
	}
	return n
}

func (r *fakeRenderer) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type fakeRegistrar struct {
	mu         sync.Mutex
	registered []identity.Identity
	discovers  int
	messages   []string
}

func (r *fakeRegistrar) Register(id identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id)
	return nil
}

func (r *fakeRegistrar) DiscoverPeers() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovers++
	return nil
}

func (r *fakeRegistrar) SendMessage(targetID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, targetID+":"+text)
	return nil
}

func (r *fakeRegistrar) registrations() []identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]identity.Identity(nil), r.registered...)
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t         *testing.T
	node      *Node
	clock     *clock.FakeClock
	relay     *fakeTransport
	renderer  *fakeRenderer
	registrar *fakeRegistrar
}

func testConfig() Config {
	return Config{
		AnnounceInterval: 5 * time.Second,
		AutoConnectDelay: time.Second,
		ConnectTimeout:   15 * time.Second,
	}
}

// newHarness starts a node with a fake relay transport and no discovery
// bus. mutate may adjust the options before the node is built.
func newHarness(t *testing.T, userID string, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		clock:     clock.Fake(epoch),
		relay:     &fakeTransport{},
		renderer:  &fakeRenderer{},
		registrar: &fakeRegistrar{},
	}

	opts := Options{
		Identity:  identity.Identity{UserID: userID, Username: "user-" + userID},
		Renderer:  h.renderer,
		Clock:     h.clock,
		Relay:     h.relay,
		Registrar: h.registrar,
		Config:    testConfig(),
		Jitter:    func(time.Duration) time.Duration { return 0 },
	}
	if mutate != nil {
		mutate(&opts)
	}

	n, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.node = n
	start(t, n)
	return h
}

// start runs n until the test ends.
func start(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

// settle waits until the nodes have run every closure posted so far,
// including those they posted to each other while settling.
func settle(t *testing.T, nodes ...*Node) {
	t.Helper()
	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			if err := n.call(func() {}); err != nil {
				t.Fatalf("node stopped: %v", err)
			}
		}
	}
}

func (h *harness) sync() { settle(h.t, h.node) }

// advance moves the clock in one-second steps, letting the node react
// after each step.
func (h *harness) advance(d time.Duration) {
	for ; d > 0; d -= time.Second {
		step := min(d, time.Second)
		h.clock.Advance(step)
		h.sync()
	}
}

// openOutbound connects to peerID over the relay transport and opens the
// resulting link.
func (h *harness) openOutbound(peerID string) *fakeLink {
	h.t.Helper()
	if err := h.node.Connect(peerID); err != nil {
		h.t.Fatalf("Connect(%s): %v", peerID, err)
	}
	dials := h.relay.dials()
	l := dials[len(dials)-1]
	h.relay.open(l)
	h.sync()
	return l
}

// deliver feeds an envelope to the node as if l received it.
func (h *harness) deliver(l *fakeLink, env protocol.Envelope) {
	h.t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		h.t.Fatalf("Encode: %v", err)
	}
	h.relay.ev.LinkData(l, data)
	h.sync()
}

func (h *harness) states() map[string]State {
	out := make(map[string]State)
	for _, p := range h.node.Peers() {
		out[p.UserID] = p.State
	}
	return out
}

// ----------------------------------------------------------------------------
// Node
// ----------------------------------------------------------------------------

func TestNewValidatesIdentity(t *testing.T) {
	testCases := []struct {
		name string
		id   identity.Identity
	}{
		{"empty id", identity.Identity{Username: "Ana"}},
		{"short id", identity.Identity{UserID: "123", Username: "Ana"}},
		{"empty name", identity.Identity{UserID: "11111"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(Options{Identity: tc.id, Renderer: &fakeRenderer{}}); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestNewPushesIdentityToTransports(t *testing.T) {
	h := newHarness(t, "11111", nil)
	if got := h.relay.identity().UserID; got != "11111" {
		t.Fatalf("transport identity = %q, want 11111", got)
	}
}

func TestCallAfterStop(t *testing.T) {
	n, err := New(Options{
		Identity: identity.Identity{UserID: "11111", Username: "Ana"},
		Renderer: &fakeRenderer{},
		Clock:    clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := n.Connect("22222"); err != ErrStopped {
		t.Fatalf("Connect after stop = %v, want ErrStopped", err)
	}
	if err := n.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded, want error")
	}
}

func TestShutdownClosesLinks(t *testing.T) {
	clk := clock.Fake(epoch)
	relay := &fakeTransport{}
	n, err := New(Options{
		Identity: identity.Identity{UserID: "11111", Username: "Ana"},
		Renderer: &fakeRenderer{},
		Clock:    clk,
		Relay:    relay,
		Config:   testConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	if err := n.Connect("22222"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cancel()
	<-done

	if !relay.dials()[0].isClosed() {
		t.Fatal("link left open after shutdown")
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("%d timers left after shutdown", clk.PendingCount())
	}
}
