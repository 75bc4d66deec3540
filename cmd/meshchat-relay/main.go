// meshchat-relay is the signaling relay for meshchat. It introduces
// clients to each other and forwards their WebRTC handshakes; chat
// messages never pass through it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/meshchat/internal/app"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet("meshchat-relay", pflag.ContinueOnError)
	cfg, err := config.LoadRelay(fs, os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}
	if err := util.SetLevel(cfg.LogLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("meshchat-relay v%s", version))
	pterm.Println()

	if cfg.RejectDuplicateIDs {
		util.LogInfo("duplicate user ids will be rejected")
	}
	if cfg.ReclaimOrphanedIDs {
		util.LogInfo("orphaned sessions will reclaim their user ids")
	}

	if err := app.RunRelay(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}
