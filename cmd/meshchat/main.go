// meshchat is a serverless terminal chat. Peers on the same device find
// each other over a local discovery bus; peers elsewhere meet through a
// signaling relay. Messages travel over direct WebRTC data channels.
//
// It prompts for a display name when --name is not given.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/meshchat/internal/app"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fs := pflag.NewFlagSet("meshchat", pflag.ContinueOnError)
	cfg, err := config.LoadClient(fs, os.Args[1:])
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

	pterm.Info.Println(fmt.Sprintf("meshchat v%s", version))
	pterm.Println()

	if cfg.Username == "" {
		cfg.Username = askUsername()
	}
	if cfg.RelayURL == "" {
		util.LogInfo("no relay configured, only peers on this device can be reached")
	}

	if err := app.RunClient(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("left the chat")
}

// askUsername prompts for a display name until a valid one is entered.
func askUsername() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your display name").
			Show()

		name, err := identity.NormalizeUsername(raw)
		if err == nil {
			pterm.Println()
			return name
		}

		util.LogWarning("invalid name: %v", err)
		pterm.Println()
	}
}
