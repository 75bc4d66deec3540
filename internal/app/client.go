// Package app wires the chat client and the signaling relay together
// from their configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/meshchat/internal/bus"
	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/console"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/mesh"
	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/signaling"
	"github.com/1ureka/meshchat/internal/transport"
	"github.com/1ureka/meshchat/internal/util"
)

// RunClient runs the chat client until ctx is cancelled, the user quits
// or in reaches EOF. Commands are read from in; the chat is written to
// out.
func RunClient(ctx context.Context, cfg config.Client, in io.Reader, out io.Writer) error {
	id, err := identity.New(cfg.Username)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renderer := console.New(out, id)
	tOpts := transport.Options{STUNServers: cfg.STUNServers, IncludeLoopback: cfg.IncludeLoopback}

	opts := mesh.Options{
		Identity: id,
		Renderer: renderer,
		Clock:    clock.Real(),
		Config: mesh.Config{
			AnnounceInterval:  cfg.AnnounceInterval.Std(),
			AutoConnectDelay:  cfg.AutoConnectDelay.Std(),
			AutoConnectJitter: cfg.AutoConnectJitter.Std(),
			ConnectTimeout:    cfg.ConnectTimeout.Std(),
		},
	}

	// ── 1. Local discovery ─────────────────────────────────────────────
	localBus, store, closeDiscovery := openDiscovery(cfg)
	defer closeDiscovery()
	opts.Store = store
	if localBus != nil {
		opts.Bus = localBus
		opts.Local = transport.NewWebRTC(transport.NewBusSignaler(localBus), tOpts)
	}

	// ── 2. Signaling relay ─────────────────────────────────────────────
	var relay *signaling.Client
	if cfg.RelayURL != "" {
		relay = signaling.New(cfg.RelayURL)
		relay.SetRetryDelay(cfg.RelayRetry.Std())
		opts.Relay = transport.NewWebRTC(signaling.NewRelaySignaler(relay), tOpts)
		opts.Registrar = relay
	}

	node, err := mesh.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create chat node: %w", err)
	}
	if relay != nil {
		wireRelay(relay, node)
	}

	// ── 3. Run ─────────────────────────────────────────────────────────
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := node.Run(ctx); err != nil {
			util.LogError("chat node stopped: %v", err)
		}
		cancel()
	}()

	if relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				util.LogError("relay client stopped: %v", err)
			}
		}()
	}

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval.Std(), util.FormatClientStats)
	}

	util.LogSuccess("joined as %s (%s)", id.Username, id.UserID)
	cmds := &commands{node: node, renderer: renderer, out: out, relay: relay != nil}
	cmds.printHelp()
	cmds.run(ctx, in)

	cancel()
	wg.Wait()
	return nil
}

// openDiscovery opens the local discovery backends cfg asks for. A
// multicast bus that cannot be opened degrades to the file store.
func openDiscovery(cfg config.Client) (bus.Bus, bus.Store, func()) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				util.LogDebug("close discovery: %v", err)
			}
		}
	}

	if cfg.Bus == config.BusMulticast {
		m, err := bus.NewMulticast(cfg.MulticastAddr)
		if err == nil {
			closers = append(closers, m)
			return m, nil, closeAll
		}
		util.LogWarning("multicast discovery unavailable, using shared directory: %v", err)
	}

	if cfg.Bus == config.BusNone {
		return nil, nil, closeAll
	}

	fs, err := bus.NewFileStore(cfg.StoreDir, cfg.StoreRescan.Std())
	if err != nil {
		util.LogWarning("file discovery unavailable: %v", err)
		return nil, nil, closeAll
	}
	closers = append(closers, fs)
	return nil, fs, closeAll
}

// wireRelay routes relay frames that concern the node.
func wireRelay(c *signaling.Client, node *mesh.Node) {
	c.OnConnected(node.RelayConnected)
	c.OnDisconnected(func(error) { node.RelayDisconnected() })

	handle(c, protocol.FrameRegistered, node.HandleRegistered)
	handle(c, protocol.FramePeersList, node.HandlePeersList)
	handle(c, protocol.FrameUserConnected, node.HandleUserConnected)
	handle(c, protocol.FrameUserDisconnected, func(d protocol.UserDisconnected) {
		node.HandleUserDisconnected(d.UserID)
	})
	handle(c, protocol.FrameReceiveMessage, node.HandleRelayedMessage)
	handle(c, protocol.FrameError, node.HandleRelayError)
}

// handle registers fn for typ, decoding the frame data into T first.
func handle[T any](c *signaling.Client, typ protocol.FrameType, fn func(T)) {
	c.Handle(typ, func(f protocol.Frame) {
		var v T
		if err := f.DecodeData(&v); err != nil {
			util.LogDebug("%v", err)
			return
		}
		fn(v)
	})
}
