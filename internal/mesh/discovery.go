package mesh

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/util"
)

const (
	DiscoveryChannel = "mesh-chat-discovery"
	FallbackKey      = "mesh-chat-peer"

	announcementType = "discovery"
)

// Announcement is broadcast periodically so peers on the same device can
// find each other.
type Announcement struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// discovered is a peer-list entry.
type discovered struct {
	info     PeerInfo
	lastSeen time.Time // last local announcement, zero for other sources
}

func randomJitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(n)))
}

// ----------------------------------------------------------------------------
// Announce loop
// ----------------------------------------------------------------------------

// startDiscovery subscribes to announcements and starts the announce
// tick. The bus is preferred; the store is the fallback.
func (n *Node) startDiscovery() {
	handler := func(payload []byte) {
		n.post(func() { n.onAnnouncement(payload) })
	}

	if n.bus != nil {
		cancel, err := n.bus.Subscribe(DiscoveryChannel, handler)
		if err == nil {
			n.unwatch = cancel
		} else {
			util.LogWarning("discovery bus unavailable, falling back to shared store: %v", err)
			n.bus = nil
		}
	}
	if n.bus == nil && n.store != nil {
		cancel, err := n.store.Watch(FallbackKey, handler)
		if err != nil {
			util.LogWarning("discovery store unavailable: %v", err)
			n.store = nil
		} else {
			n.unwatch = cancel
		}
	}
	if n.bus == nil && n.store == nil {
		util.LogWarning("local discovery disabled")
		return
	}

	n.tick()
}

func (n *Node) stopDiscovery() {
	n.announce.Stop()
	n.announce = nil
	for id, t := range n.pending {
		t.Stop()
		delete(n.pending, id)
	}
	if n.unwatch != nil {
		n.unwatch()
		n.unwatch = nil
	}
}

// tick announces the local identity, prunes stale peers and schedules
// the next tick.
func (n *Node) tick() {
	if err := n.publishAnnouncement(); err != nil {
		util.LogWarning("announce: %v", err)
	}
	n.pruneStale()

	n.announce = n.clock.AfterFunc(n.cfg.AnnounceInterval, func() {
		n.post(n.tick)
	})
}

func (n *Node) publishAnnouncement() error {
	data, err := json.Marshal(Announcement{
		Type:      announcementType,
		UserID:    n.id.UserID,
		Username:  n.id.Username,
		Timestamp: n.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if n.bus != nil {
		return n.bus.Publish(DiscoveryChannel, data)
	}
	return n.store.Set(FallbackKey, data)
}

func (n *Node) staleAfter() time.Duration { return 2 * n.cfg.AnnounceInterval }

// pruneStale retracts locally announced peers that went quiet and have
// no connection record.
func (n *Node) pruneStale() {
	now := n.clock.Now()
	for id, p := range n.peers {
		if p.info.Source != SourceLocal || now.Sub(p.lastSeen) <= n.staleAfter() {
			continue
		}
		if _, ok := n.records.get(id); ok {
			continue
		}
		util.LogDebug("peer %s stopped announcing", id)
		n.retract(id)
	}
}

// ----------------------------------------------------------------------------
// Incoming announcements
// ----------------------------------------------------------------------------

func (n *Node) onAnnouncement(payload []byte) {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		util.LogDebug("dropping announcement: %v", err)
		return
	}
	if a.Type != announcementType || a.UserID == "" || a.UserID == n.id.UserID {
		return
	}

	now := n.clock.Now()
	age := now.Sub(time.UnixMilli(a.Timestamp))
	if age < 0 {
		age = -age
	}
	if age > n.staleAfter() {
		util.LogDebug("dropping stale announcement from %s (%s old)", a.UserID, age)
		return
	}

	n.list(PeerInfo{UserID: a.UserID, Username: a.Username, Source: SourceLocal})
	n.peers[a.UserID].lastSeen = now

	if _, ok := n.records.get(a.UserID); ok {
		return
	}
	if _, ok := n.pending[a.UserID]; ok {
		return
	}
	n.scheduleAutoConnect(a.UserID)
}

func (n *Node) scheduleAutoConnect(peerID string) {
	delay := n.cfg.AutoConnectDelay + n.jitter(n.cfg.AutoConnectJitter)
	n.pending[peerID] = n.clock.AfterFunc(delay, func() {
		n.post(func() { n.autoConnect(peerID) })
	})
}

func (n *Node) autoConnect(peerID string) {
	if _, ok := n.pending[peerID]; !ok {
		return
	}
	delete(n.pending, peerID)

	if _, ok := n.records.get(peerID); ok {
		return
	}
	if err := n.connect(peerID); err != nil {
		util.LogDebug("auto-connect to %s: %v", peerID, err)
	}
}

// ----------------------------------------------------------------------------
// Peer list
// ----------------------------------------------------------------------------

// list adds or refreshes a peer-list entry. A local announcement marks
// the peer as reachable over the local transport for good.
func (n *Node) list(p PeerInfo) {
	if p.UserID == n.id.UserID {
		return
	}

	cur, ok := n.peers[p.UserID]
	if !ok {
		n.peers[p.UserID] = &discovered{info: p}
		n.renderer.PeerListed(p)
		return
	}

	if p.Source == SourceLocal {
		cur.info.Source = SourceLocal
	}
	if p.Username != "" && p.Username != cur.info.Username {
		cur.info.Username = p.Username
		n.renderer.PeerListed(cur.info)
	}
}

func (n *Node) retract(peerID string) {
	if t, ok := n.pending[peerID]; ok {
		t.Stop()
		delete(n.pending, peerID)
	}
	if _, ok := n.peers[peerID]; !ok {
		return
	}
	delete(n.peers, peerID)
	n.renderer.PeerRetracted(peerID)
}

// Discovered returns the peer list ordered by user id.
func (n *Node) Discovered() []PeerInfo {
	var out []PeerInfo
	n.call(func() {
		for _, p := range n.peers {
			out = append(out, p.info)
		}
	})
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// ----------------------------------------------------------------------------
// Relay directory
// ----------------------------------------------------------------------------

// RelayConnected registers the local identity with the relay. It is
// called on every (re)connection.
func (n *Node) RelayConnected() {
	n.post(n.register)
}

// RelayDisconnected retracts peers that were only known from the relay.
func (n *Node) RelayDisconnected() {
	n.post(func() {
		for id, p := range n.peers {
			if p.info.Source != SourceRelay {
				continue
			}
			if _, ok := n.records.get(id); !ok {
				n.retract(id)
			}
		}
	})
}

// RefreshPeers asks the relay for its directory.
func (n *Node) RefreshPeers() error {
	var err error
	if callErr := n.call(func() {
		if n.registrar == nil {
			err = ErrNoTransport
			return
		}
		err = n.registrar.DiscoverPeers()
	}); callErr != nil {
		return callErr
	}
	return err
}

// HandleRegistered processes the relay's answer to a registration.
func (n *Node) HandleRegistered(reg protocol.Registered) {
	n.post(func() {
		if !reg.Success {
			if reg.Reason == protocol.ReasonUnavailableID {
				n.regenerate()
				return
			}
			util.LogWarning("relay rejected registration: %s", reg.Reason)
			return
		}
		util.LogSuccess("registered with relay as %s", n.id.UserID)
		n.listRelayUsers(reg.Users)
	})
}

// HandlePeersList processes a relay directory snapshot.
func (n *Node) HandlePeersList(users []protocol.UserSummary) {
	n.post(func() { n.listRelayUsers(users) })
}

func (n *Node) HandleUserConnected(u protocol.UserSummary) {
	n.post(func() { n.listRelayUsers([]protocol.UserSummary{u}) })
}

func (n *Node) HandleUserDisconnected(userID string) {
	n.post(func() {
		p, ok := n.peers[userID]
		if !ok || p.info.Source != SourceRelay {
			return
		}
		if _, ok := n.records.get(userID); ok {
			return
		}
		n.retract(userID)
	})
}

// HandleRelayError processes relay error frames that concern the node
// itself. Routing errors for a dialed peer are handled by the transport.
func (n *Node) HandleRelayError(e protocol.ErrorPayload) {
	n.post(func() {
		switch {
		case e.Reason == protocol.ReasonUnavailableID:
			n.regenerate()
		case e.TargetID != "":
			n.renderer.Alert(fmt.Sprintf("user %s is not online", e.TargetID))
		default:
			util.LogWarning("relay error: %s", e.Message)
		}
	})
}

func (n *Node) listRelayUsers(users []protocol.UserSummary) {
	for _, u := range users {
		if u.UserID == "" || u.UserID == n.id.UserID {
			continue
		}
		n.list(PeerInfo{UserID: u.UserID, Username: u.Username, Source: SourceRelay})
	}
}

func (n *Node) register() {
	if n.registrar == nil {
		return
	}
	if err := n.registrar.Register(n.id); err != nil {
		util.LogWarning("register with relay: %v", err)
	}
}

// regenerate replaces a user id the relay reported as taken and
// registers again. Rejected ids are never retried.
func (n *Node) regenerate() {
	old := n.id.UserID
	n.rejected[old] = true
	for n.rejected[n.id.UserID] {
		n.id = n.id.Regenerate()
	}
	for _, tr := range n.transports() {
		if s, ok := tr.(IdentitySetter); ok {
			s.SetLocal(n.id)
		}
	}

	util.LogWarning("user id %s is taken, switching to %s", old, n.id.UserID)
	n.renderer.IdentityChanged(n.id)
	n.renderer.Alert(fmt.Sprintf("user id %s was already in use, your new id is %s", old, n.id.UserID))
	n.register()
}
