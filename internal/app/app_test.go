package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/console"
	"github.com/1ureka/meshchat/internal/identity"
	"github.com/1ureka/meshchat/internal/mesh"
)

// syncBuffer is a bytes.Buffer safe for the node loop and the test to
// share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCommands(t *testing.T) (*commands, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	id := identity.Identity{UserID: "11111", Username: "Ana"}
	renderer := console.New(out, id)

	node, err := mesh.New(mesh.Options{
		Identity: id,
		Renderer: renderer,
		Clock:    clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		Config:   mesh.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		node.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &commands{node: node, renderer: renderer, out: out}, out
}

func TestCommands(t *testing.T) {
	testCases := []struct {
		line string
		want string
	}{
		{"hello", "no peers online"},
		{"/connect", mesh.ErrEmptyTarget.Error()},
		{"/connect 11111", mesh.ErrSelfConnect.Error()},
		{"/connect 22222", mesh.ErrNoTransport.Error()},
		{"/msg 22222 hi", mesh.ErrNoTransport.Error()},
		{"/private", mesh.ErrEmptyMessage.Error()},
		{"/private hi", "no open connection"},
		{"/id", "user id 11111"},
		{"/peers", "no peers yet"},
		{"/help", "/connect <id>"},
		{"/dance", "unknown command /dance"},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			c, out := newCommands(t)
			if quit := c.handle(tc.line); quit {
				t.Fatal("handle reported quit")
			}
			if got := out.String(); !strings.Contains(got, tc.want) {
				t.Fatalf("output %q does not contain %q", got, tc.want)
			}
		})
	}
}

func TestPrivateWithoutLinkAlertsOnce(t *testing.T) {
	c, out := newCommands(t)
	c.handle("/p hi")
	if got := strings.Count(out.String(), "no open connection"); got != 1 {
		t.Fatalf("alert shown %d times, want 1", got)
	}
}

func TestCommandsQuit(t *testing.T) {
	c, out := newCommands(t)
	c.run(context.Background(), strings.NewReader("hello\n\n/quit\nnot sent\n"))

	got := out.String()
	if !strings.Contains(got, "hello") {
		t.Fatalf("output %q misses the message before /quit", got)
	}
	if strings.Contains(got, "not sent") {
		t.Fatalf("output %q contains input after /quit", got)
	}
}

func TestRunClientLocalOnly(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.Username = "Ana"
	cfg.Bus = config.BusNone

	out := &syncBuffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := RunClient(ctx, cfg, strings.NewReader("/id\n/quit\n"), out); err != nil {
		t.Fatalf("RunClient: %v", err)
	}
	if !strings.Contains(out.String(), "you are Ana") {
		t.Fatalf("output %q misses /id answer", out.String())
	}
}

func TestRunClientRejectsEmptyName(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.Bus = config.BusNone
	if err := RunClient(context.Background(), cfg, strings.NewReader(""), &syncBuffer{}); err == nil {
		t.Fatal("RunClient accepted an empty username")
	}
}

func TestRunRelay(t *testing.T) {
	cfg := config.DefaultRelay()
	cfg.Listen = "127.0.0.1:0"
	cfg.StatsInterval = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunRelay: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunRelay did not stop")
	}
}
