package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/meshchat/internal/clock"
	"github.com/1ureka/meshchat/internal/util"
)

// Config holds the relay server settings.
type Config struct {
	Options

	PingInterval  time.Duration // default 25s
	PongTimeout   time.Duration // default 60s
	StatsInterval time.Duration // default 30s; negative disables the periodic log
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 30 * time.Second
	}
	return c
}

// Server is the relay's HTTP front: /ws for sessions, /stats for the
// directory snapshot and / for a status line.
type Server struct {
	cfg Config
	hub *Hub
}

// NewServer creates a server around a new hub. Call Run (or run the hub
// yourself via Hub) before serving requests.
func NewServer(cfg Config, clk clock.Clock) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, hub: NewHub(cfg.Options, clk)}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Serve runs the hub and serves HTTP on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go s.hub.Run(ctx)
	if s.cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, s.cfg.StatsInterval, util.FormatRelayStats)
	}

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}
	util.LogSuccess("signaling relay listening on %s", listener.Addr())
	return s.Serve(ctx, listener)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(conn)
	if !s.hub.Join(sess, SessionInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}) {
		conn.Close()
		return
	}

	go sess.writePump(s.cfg.PingInterval)
	go sess.readPump(s.hub, s.cfg.PongTimeout)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.hub.Report(r.Context())
	if err != nil {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	report, err := s.hub.Report(r.Context())
	if err != nil {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "meshchat signaling relay\nstatus: running\nonline users: %d\n", report.Online)
}
