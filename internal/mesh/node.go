// Package mesh is the chat client core. A Node owns the local identity,
// the connection records, discovery and message routing, and runs all of
// them on one event loop.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/meshchat/internal/bus"
	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/transport"
	"github.com/1ureka/meshchat/internal/util"
)

var ErrStopped = errors.New("node is not running")

// Conversation selects where a chat message is rendered.
type Conversation int

const (
	Public Conversation = iota
	Private
)

func (c Conversation) String() string {
	if c == Private {
		return "private"
	}
	return "public"
}

// ChatMessage is one rendered line of a conversation.
type ChatMessage struct {
	Sender string
	Text   string
	Time   string
	Own    bool // sent by the local user
	System bool // local notice, never sent to peers
}

// Source tells where a listed peer was learned from.
type Source int

const (
	SourceLocal Source = iota // local bus announcement
	SourceRelay               // relay directory
	SourceLink                // user-info over an open link
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRelay:
		return "relay"
	default:
		return "link"
	}
}

// PeerInfo is a peer shown in the peer list.
type PeerInfo struct {
	UserID   string
	Username string
	Source   Source
}

// PeerStatus describes one connection record.
type PeerStatus struct {
	UserID    string
	Username  string
	State     State
	Direction transport.Direction
}

// Renderer presents chat state to the user. Every method is called from
// the node loop and must not call back into the Node synchronously.
type Renderer interface {
	Render(conv Conversation, msg ChatMessage)
	PeerListed(p PeerInfo)
	PeerRetracted(userID string)
	Alert(text string)
	PrivateReplyEnabled()
	IdentityChanged(id identity.Identity)
}

// Registrar is the node's view of the signaling relay connection.
type Registrar interface {
	Register(id identity.Identity) error
	DiscoverPeers() error
	SendMessage(targetID, text string) error
}

// IdentitySetter is implemented by transports that sign their signals
// with the local identity.
type IdentitySetter interface {
	SetLocal(id identity.Identity)
}

// Config holds the node timings.
type Config struct {
	AnnounceInterval  time.Duration
	AutoConnectDelay  time.Duration
	AutoConnectJitter time.Duration
	ConnectTimeout    time.Duration // 0 disables the timeout
}

// DefaultConfig returns the timings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval:  5 * time.Second,
		AutoConnectDelay:  time.Second,
		AutoConnectJitter: 500 * time.Millisecond,
		ConnectTimeout:    15 * time.Second,
	}
}

// Options wires a Node to its collaborators. Relay and Local transports
// are both optional; Connect fails with ErrNoTransport when neither is
// set. Bus and Store carry discovery announcements; the store is used
// only when the bus is missing or refuses the subscription.
type Options struct {
	Identity  identity.Identity
	Renderer  Renderer
	Clock     clock.Clock
	Relay     transport.Transport
	Local     transport.Transport
	Registrar Registrar
	Bus       bus.Bus
	Store     bus.Store
	Config    Config

	// Jitter returns a random duration in [0, n). Defaults to math/rand.
	Jitter func(n time.Duration) time.Duration
}

type Node struct {
	id        identity.Identity
	renderer  Renderer
	clock     clock.Clock
	relay     transport.Transport
	local     transport.Transport
	registrar Registrar
	bus       bus.Bus
	store     bus.Store
	cfg       Config
	jitter    func(time.Duration) time.Duration

	inbox   mailbox
	stopped chan struct{}
	started sync.Once

	records  registry
	peers    map[string]*discovered
	pending  map[string]*clock.Timer
	announce *clock.Timer
	unwatch  func()
	rejected map[string]bool
}

// New creates a Node and attaches it to the configured transports.
func New(opts Options) (*Node, error) {
	if err := identity.ValidateUserID(opts.Identity.UserID); err != nil {
		return nil, err
	}
	if opts.Identity.Username == "" {
		return nil, identity.ErrEmptyUsername
	}
	if opts.Renderer == nil {
		return nil, errors.New("mesh: renderer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Config.AnnounceInterval <= 0 {
		opts.Config.AnnounceInterval = DefaultConfig().AnnounceInterval
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}

	n := &Node{
		id:        opts.Identity,
		renderer:  opts.Renderer,
		clock:     opts.Clock,
		relay:     opts.Relay,
		local:     opts.Local,
		registrar: opts.Registrar,
		bus:       opts.Bus,
		store:     opts.Store,
		cfg:       opts.Config,
		jitter:    opts.Jitter,
		inbox:     mailbox{wake: make(chan struct{}, 1)},
		stopped:   make(chan struct{}),
		records:   newRegistry(),
		peers:     make(map[string]*discovered),
		pending:   make(map[string]*clock.Timer),
		rejected:  make(map[string]bool),
	}

	events := linkEvents{n}
	for _, tr := range n.transports() {
		tr.Attach(events)
		if s, ok := tr.(IdentitySetter); ok {
			s.SetLocal(n.id)
		}
	}

	return n, nil
}

// Run processes node events until ctx is cancelled. On return every
// link is closed and every timer stopped.
func (n *Node) Run(ctx context.Context) error {
	ran := false
	n.started.Do(func() { ran = true })
	if !ran {
		return errors.New("mesh: node already started")
	}
	defer close(n.stopped)

	n.startDiscovery()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case <-n.inbox.wake:
			for _, fn := range n.inbox.drain() {
				fn()
			}
		}
	}
}

// post schedules fn on the loop. It never blocks.
func (n *Node) post(fn func()) { n.inbox.push(fn) }

// call runs fn on the loop and waits for it to finish.
func (n *Node) call(fn func()) error {
	done := make(chan struct{})
	n.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	}
}

// Identity returns the current local identity.
func (n *Node) Identity() identity.Identity {
	var id identity.Identity
	if err := n.call(func() { id = n.id }); err != nil {
		return identity.Identity{}
	}
	return id
}

// Peers returns the connection records in insertion order.
func (n *Node) Peers() []PeerStatus {
	var out []PeerStatus
	n.call(func() {
		for _, rec := range n.records.list() {
			out = append(out, PeerStatus{
				UserID:    rec.peerID,
				Username:  rec.remoteUsername,
				State:     rec.state,
				Direction: rec.dir,
			})
		}
	})
	return out
}

func (n *Node) shutdown() {
	n.stopDiscovery()
	for _, rec := range n.records.list() {
		rec.stopTimer()
		if err := rec.link.Close(); err != nil {
			util.LogDebug("close link to %s: %v", rec.peerID, err)
		}
		n.records.remove(rec.peerID)
	}
}

func (n *Node) transports() []transport.Transport {
	var out []transport.Transport
	if n.relay != nil {
		out = append(out, n.relay)
	}
	if n.local != nil && n.local != n.relay {
		out = append(out, n.local)
	}
	return out
}

func (n *Node) name(peerID string) string {
	if rec, ok := n.records.get(peerID); ok && rec.remoteUsername != "" {
		return rec.remoteUsername
	}
	return unknownUser
}

// ----------------------------------------------------------------------------
// Mailbox
// ----------------------------------------------------------------------------

// mailbox is an unbounded FIFO of closures with a level-triggered wake
// channel. Pushing never blocks.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// ----------------------------------------------------------------------------
// Transport events
// ----------------------------------------------------------------------------

// linkEvents moves transport callbacks onto the node loop.
type linkEvents struct{ n *Node }

func (e linkEvents) LinkIncoming(l transport.Link) { e.n.post(func() { e.n.onIncoming(l) }) }
func (e linkEvents) LinkOpened(l transport.Link)   { e.n.post(func() { e.n.onLinkEvent(l, eventOpened) }) }
func (e linkEvents) LinkClosed(l transport.Link)   { e.n.post(func() { e.n.onLinkEvent(l, eventClosed) }) }

func (e linkEvents) LinkData(l transport.Link, data []byte) {
	e.n.post(func() { e.n.onData(l, data) })
}

func (e linkEvents) LinkFailed(l transport.Link, err error) {
	e.n.post(func() {
		util.LogDebug("link to %s failed: %v", l.PeerID(), err)
		e.n.onLinkEvent(l, eventFailed)
	})
}
