package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN: the
// relay only brokers the handshake, traffic is always direct.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options tunes the PeerConnections created by a WebRTC transport.
type Options struct {
	// STUNServers overrides DefaultSTUNServers. An empty, non-nil slice
	// disables STUN entirely (host candidates only).
	STUNServers []string

	// IncludeLoopback gathers 127.0.0.1 candidates, which lets two
	// processes on a host without other interfaces reach each other.
	IncludeLoopback bool
}

func newAPI(opts Options) *webrtc.API {
	se := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection configured with the STUN
// servers from opts.
func newPeerConnection(api *webrtc.API, opts Options) (*webrtc.PeerConnection, error) {
	servers := opts.STUNServers
	if servers == nil {
		servers = DefaultSTUNServers
	}

	config := webrtc.Configuration{}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated chat channel. Negotiated mode
// (ID 0) lets both sides create the channel independently without
// relying on OnDataChannel. Chat needs ordered, reliable delivery, so the
// pion defaults are kept for both.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
