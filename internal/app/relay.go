package app

import (
	"context"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/relay"
)

// RunRelay serves the signaling relay until ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.Relay) error {
	stats := cfg.StatsInterval.Std()
	if stats == 0 {
		stats = -1
	}

	srv := relay.NewServer(relay.Config{
		Options: relay.Options{
			RejectDuplicateIDs: cfg.RejectDuplicateIDs,
			ReclaimOrphanedIDs: cfg.ReclaimOrphanedIDs,
		},
		PingInterval:  cfg.PingInterval.Std(),
		PongTimeout:   cfg.PongTimeout.Std(),
		StatsInterval: stats,
	}, clock.Real())

	return srv.ListenAndServe(ctx, cfg.Listen)
}
