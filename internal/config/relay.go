package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Relay configures the signaling relay.
type Relay struct {
	Listen string `yaml:"listen" json:"listen"`

	// RejectDuplicateIDs refuses a registration whose user id is held by
	// another live session. Off keeps last-registration-wins.
	RejectDuplicateIDs bool `yaml:"reject_duplicate_ids" json:"reject_duplicate_ids"`

	// ReclaimOrphanedIDs hands a user id back to an older session still
	// registered under it when the newest holder leaves.
	ReclaimOrphanedIDs bool `yaml:"reclaim_orphaned_ids" json:"reclaim_orphaned_ids"`

	PingInterval  Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout   Duration `yaml:"pong_timeout" json:"pong_timeout"`
	StatsInterval Duration `yaml:"stats_interval" json:"stats_interval"` // 0 disables

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() Relay {
	return Relay{
		Listen:        ":3000",
		PingInterval:  Duration(25 * time.Second),
		PongTimeout:   Duration(60 * time.Second),
		StatsInterval: Duration(30 * time.Second),
		LogLevel:      "info",
	}
}

// Validate reports the first invalid setting.
func (r *Relay) Validate() error {
	if _, _, err := net.SplitHostPort(r.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", r.Listen, err)
	}
	switch {
	case r.PingInterval <= 0:
		return fmt.Errorf("ping_interval must be positive, got %s", r.PingInterval)
	case r.PongTimeout <= r.PingInterval:
		return fmt.Errorf("pong_timeout (%s) must exceed ping_interval (%s)", r.PongTimeout, r.PingInterval)
	case r.StatsInterval < 0:
		return fmt.Errorf("stats_interval must not be negative, got %s", r.StatsInterval)
	case !validLogLevel(r.LogLevel):
		return fmt.Errorf("unknown log_level %q", r.LogLevel)
	}
	return nil
}

// LoadRelay builds the relay configuration from args (without the
// program name). A PORT variable from getenv overrides the file's
// listen port; --listen overrides both.
func LoadRelay(fs *pflag.FlagSet, args []string, getenv func(string) string) (Relay, error) {
	var (
		path  string
		debug bool
		flags = DefaultRelay()
	)

	fs.StringVarP(&path, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	fs.StringVarP(&flags.Listen, "listen", "l", flags.Listen, "listen address")
	fs.BoolVar(&flags.RejectDuplicateIDs, "reject-duplicate-ids", false, "refuse user ids already held by a live session")
	fs.BoolVar(&flags.ReclaimOrphanedIDs, "reclaim-orphaned-ids", false, "hand a user id back to an older session when its holder leaves")
	fs.DurationVar((*time.Duration)(&flags.PingInterval), "ping-interval", flags.PingInterval.Std(), "WebSocket ping interval")
	fs.DurationVar((*time.Duration)(&flags.PongTimeout), "pong-timeout", flags.PongTimeout.Std(), "drop sessions silent for this long")
	fs.DurationVar((*time.Duration)(&flags.StatsInterval), "stats-interval", flags.StatsInterval.Std(), "log relay stats this often, 0 disables")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&debug, "debug", false, "shorthand for --log-level=debug")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	cfg := DefaultRelay()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Relay{}, err
		}
	}

	if port := getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return Relay{}, fmt.Errorf("invalid PORT %q", port)
		}
		host, _, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			host = ""
		}
		cfg.Listen = net.JoinHostPort(host, port)
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flags.Listen
		case "reject-duplicate-ids":
			cfg.RejectDuplicateIDs = flags.RejectDuplicateIDs
		case "reclaim-orphaned-ids":
			cfg.ReclaimOrphanedIDs = flags.ReclaimOrphanedIDs
		case "ping-interval":
			cfg.PingInterval = flags.PingInterval
		case "pong-timeout":
			cfg.PongTimeout = flags.PongTimeout
		case "stats-interval":
			cfg.StatsInterval = flags.StatsInterval
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})
	if debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return Relay{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
