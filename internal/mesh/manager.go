package mesh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/transport"
	"github.com/1ureka/meshchat/internal/util"
)

var (
	ErrEmptyTarget      = errors.New("target user id is empty")
	ErrSelfConnect      = errors.New("cannot connect to yourself")
	ErrAlreadyConnected = errors.New("already connected or connecting to this peer")
	ErrNoTransport      = errors.New("no transport configured")
)

// record is the single connection entry for one peer. The link is owned
// by the record: whoever removes the record is responsible for it.
type record struct {
	peerID         string
	link           transport.Link
	state          State
	dir            transport.Direction
	remoteUsername string
	timeout        *clock.Timer
}

func (r *record) stopTimer() {
	r.timeout.Stop()
	r.timeout = nil
}

// registry keeps records by peer id and remembers insertion order.
type registry struct {
	byPeer map[string]*record
	order  []string
}

func newRegistry() registry {
	return registry{byPeer: make(map[string]*record)}
}

func (r *registry) get(peerID string) (*record, bool) {
	rec, ok := r.byPeer[peerID]
	return rec, ok
}

func (r *registry) add(rec *record) {
	r.byPeer[rec.peerID] = rec
	r.order = append(r.order, rec.peerID)
}

func (r *registry) remove(peerID string) {
	if _, ok := r.byPeer[peerID]; !ok {
		return
	}
	delete(r.byPeer, peerID)
	for i, id := range r.order {
		if id == peerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) list() []*record {
	out := make([]*record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byPeer[id])
	}
	return out
}

// firstOpen returns the earliest inserted open record.
func (r *registry) firstOpen() (*record, bool) {
	for _, id := range r.order {
		if rec := r.byPeer[id]; rec.state == StateOpen {
			return rec, true
		}
	}
	return nil, false
}

// current returns the record l belongs to, or false when l is not the
// live link of any record.
func (r *registry) current(l transport.Link) (*record, bool) {
	rec, ok := r.byPeer[l.PeerID()]
	if !ok || rec.link != l {
		return nil, false
	}
	return rec, true
}

// ----------------------------------------------------------------------------
// Outbound
// ----------------------------------------------------------------------------

// Connect opens an outbound link to peerID. Validation failures return
// without touching any transport; the link outcome is reported
// asynchronously through the peer list and chat alerts.
func (n *Node) Connect(peerID string) error {
	var err error
	if callErr := n.call(func() { err = n.connect(peerID) }); callErr != nil {
		return callErr
	}
	return err
}

func (n *Node) connect(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	switch {
	case peerID == "":
		return ErrEmptyTarget
	case peerID == n.id.UserID:
		return ErrSelfConnect
	}
	if _, ok := n.records.get(peerID); ok {
		return ErrAlreadyConnected
	}

	tr := n.pickTransport(peerID)
	if tr == nil {
		return ErrNoTransport
	}

	link, err := tr.Dial(peerID)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peerID, err)
	}

	n.track(&record{peerID: peerID, link: link, state: StateConnecting, dir: transport.Outbound})
	util.LogInfo("connecting to %s", peerID)
	return nil
}

// pickTransport prefers the local transport for peers announced on the
// local bus.
func (n *Node) pickTransport(peerID string) transport.Transport {
	if p, ok := n.peers[peerID]; ok && p.info.Source == SourceLocal && n.local != nil {
		return n.local
	}
	if n.relay != nil {
		return n.relay
	}
	return n.local
}

// track registers rec and arms its connect timeout.
func (n *Node) track(rec *record) {
	n.records.add(rec)
	n.armTimeout(rec)
}

func (n *Node) armTimeout(rec *record) {
	rec.stopTimer()
	if n.cfg.ConnectTimeout <= 0 {
		return
	}
	link := rec.link
	rec.timeout = n.clock.AfterFunc(n.cfg.ConnectTimeout, func() {
		n.post(func() { n.onLinkEvent(link, eventTimedOut) })
	})
}

// ----------------------------------------------------------------------------
// Inbound
// ----------------------------------------------------------------------------

func (n *Node) onIncoming(l transport.Link) {
	peerID := l.PeerID()
	if peerID == n.id.UserID {
		n.closeLink(l)
		return
	}

	rec, ok := n.records.get(peerID)
	if !ok {
		n.track(&record{peerID: peerID, link: l, state: StateConnecting, dir: transport.Inbound})
		util.LogInfo("incoming connection from %s", peerID)
		return
	}

	switch {
	case rec.link == l:
		return
	case rec.state != StateConnecting:
		util.LogDebug("already connected to %s, closing duplicate link", peerID)
		n.closeLink(l)
	case rec.dir == transport.Inbound || peerID < n.id.UserID:
		// The remote side wins the tie-break, or re-sent its offer.
		util.LogDebug("simultaneous connect with %s, keeping inbound link", peerID)
		old := rec.link
		rec.link = l
		rec.dir = transport.Inbound
		n.armTimeout(rec)
		n.closeLink(old)
	default:
		util.LogDebug("simultaneous connect with %s, keeping outbound link", peerID)
		n.closeLink(l)
	}
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

func (n *Node) onLinkEvent(l transport.Link, ev linkEvent) {
	rec, ok := n.records.current(l)
	if !ok {
		util.LogDebug("ignoring %s event from stale link to %s", ev, l.PeerID())
		n.closeLink(l)
		return
	}
	n.apply(rec, ev)
}

// apply runs one transition for rec and carries out its effects.
func (n *Node) apply(rec *record, ev linkEvent) {
	next, effects := transition(rec.state, ev)
	if next == rec.state && effects == nil {
		return
	}

	prev := rec.state
	rec.state = next
	util.LogDebug("link %s: %s -> %s (%s)", rec.peerID, prev, next, ev)

	switch next {
	case StateOpen:
		rec.stopTimer()
		util.Stats.AddLinkOpened()
		util.LogSuccess("connected to %s (%s)", rec.peerID, rec.dir)
	case StateClosed:
		util.Stats.AddLinkClosed()
		util.LogInfo("connection to %s closed", n.name(rec.peerID))
	case StateError:
		if prev == StateOpen {
			util.Stats.AddLinkClosed()
		}
		util.LogWarning("connection to %s %s", rec.peerID, ev)
	}

	for _, eff := range effects {
		switch eff {
		case effectSendUserInfo:
			n.sendUserInfo(rec)
		case effectCloseLink:
			n.closeLink(rec.link)
		case effectRemoveRecord:
			rec.stopTimer()
			n.records.remove(rec.peerID)
		case effectRetractPeer:
			n.retract(rec.peerID)
		}
	}
}

func (n *Node) sendUserInfo(rec *record) {
	data, err := protocol.Encode(protocol.UserInfo{
		UserID:   n.id.UserID,
		Username: n.id.Username,
		Time:     n.clock.Now().UnixMilli(),
	})
	if err != nil {
		util.LogError("encode user-info: %v", err)
		return
	}
	if err := rec.link.Send(data); err != nil {
		util.LogWarning("send user-info to %s: %v", rec.peerID, err)
		return
	}
	util.Stats.AddSent(1)
}

func (n *Node) closeLink(l transport.Link) {
	if err := l.Close(); err != nil {
		util.LogDebug("close link to %s: %v", l.PeerID(), err)
	}
}
