package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/meshchat/internal/console"
	"github.com/1ureka/meshchat/internal/mesh"
	"github.com/1ureka/meshchat/internal/util"
)

const helpText = `commands:
  /connect <id>        connect to a peer by user id
  /private <message>   send to your first connected peer only (alias /p)
  /msg <id> <message>  send one message through the relay
  /peers               list peers and connections
  /id                  show your user id
  /help                show this help
  /quit                leave the chat
anything else is sent to every connected peer`

// commands interprets chat input lines.
type commands struct {
	node     *mesh.Node
	renderer *console.Renderer
	out      io.Writer
	relay    bool
}

// run reads lines from in until ctx is cancelled, in is exhausted or the
// user quits.
func (c *commands) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			util.LogDebug("input closed: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.handle(line); quit {
				return
			}
		}
	}
}

// handle executes one input line and reports whether the user quit.
func (c *commands) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.node.SendPublic(line)
		c.report(err)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/connect":
		if err := c.node.Connect(arg); err != nil {
			c.report(err)
			return false
		}
		fmt.Fprintf(c.out, "connecting to %s...\n", arg)

	case "/private", "/p":
		_, err := c.node.SendPrivate(arg)
		c.report(err)

	case "/msg":
		target, text, _ := strings.Cut(arg, " ")
		c.report(c.node.SendRelayed(target, text))

	case "/peers":
		if c.relay {
			c.report(c.node.RefreshPeers())
		}
		c.renderer.PrintPeers(c.node.Peers(), c.node.Discovered())

	case "/id":
		id := c.node.Identity()
		fmt.Fprintf(c.out, "you are %s, user id %s\n", id.Username, id.UserID)

	case "/help":
		c.printHelp()

	default:
		c.renderer.Alert(fmt.Sprintf("unknown command %s, type /help", cmd))
	}
	return false
}

func (c *commands) printHelp() {
	fmt.Fprintln(c.out, helpText)
}

// report shows err to the user. ErrNoOpenLink is already alerted by the
// node itself.
func (c *commands) report(err error) {
	if err == nil || errors.Is(err, mesh.ErrNoOpenLink) {
		return
	}
	c.renderer.Alert(err.Error())
}
