package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// Discovery backends.
const (
	BusMulticast = "multicast" // UDP multicast, falls back to the file store
	BusFile      = "file"      // shared directory only
	BusNone      = "none"      // no local discovery
)

// Client configures the chat client.
type Client struct {
	Username string `yaml:"username" json:"username"`

	// RelayURL is the signaling relay. Empty disables the relay: only
	// peers on the same device are reachable.
	RelayURL   string   `yaml:"relay_url" json:"relay_url"`
	RelayRetry Duration `yaml:"relay_retry" json:"relay_retry"`

	Bus           string   `yaml:"bus" json:"bus"`
	MulticastAddr string   `yaml:"multicast_addr" json:"multicast_addr"`
	StoreDir      string   `yaml:"store_dir" json:"store_dir"`
	StoreRescan   Duration `yaml:"store_rescan" json:"store_rescan"`

	AnnounceInterval  Duration `yaml:"announce_interval" json:"announce_interval"`
	AutoConnectDelay  Duration `yaml:"autoconnect_delay" json:"autoconnect_delay"`
	AutoConnectJitter Duration `yaml:"autoconnect_jitter" json:"autoconnect_jitter"`
	ConnectTimeout    Duration `yaml:"connect_timeout" json:"connect_timeout"` // 0 disables

	STUNServers     []string `yaml:"stun_servers" json:"stun_servers"`
	IncludeLoopback bool     `yaml:"include_loopback" json:"include_loopback"`

	LogLevel      string   `yaml:"log_level" json:"log_level"`
	StatsInterval Duration `yaml:"stats_interval" json:"stats_interval"` // 0 disables
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		RelayRetry:        Duration(3 * time.Second),
		Bus:               BusMulticast,
		MulticastAddr:     "239.255.255.250:9999",
		StoreDir:          filepath.Join(os.TempDir(), "meshchat"),
		StoreRescan:       Duration(5 * time.Second),
		AnnounceInterval:  Duration(5 * time.Second),
		AutoConnectDelay:  Duration(time.Second),
		AutoConnectJitter: Duration(500 * time.Millisecond),
		ConnectTimeout:    Duration(15 * time.Second),
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		IncludeLoopback:   true,
		LogLevel:          "info",
	}
}

// Validate reports the first invalid setting.
func (c *Client) Validate() error {
	switch {
	case c.AnnounceInterval <= 0:
		return fmt.Errorf("announce_interval must be positive, got %s", c.AnnounceInterval)
	case c.AutoConnectDelay < 0:
		return fmt.Errorf("autoconnect_delay must not be negative, got %s", c.AutoConnectDelay)
	case c.AutoConnectJitter < 0:
		return fmt.Errorf("autoconnect_jitter must not be negative, got %s", c.AutoConnectJitter)
	case c.ConnectTimeout < 0:
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	case c.RelayRetry <= 0:
		return fmt.Errorf("relay_retry must be positive, got %s", c.RelayRetry)
	case c.StatsInterval < 0:
		return fmt.Errorf("stats_interval must not be negative, got %s", c.StatsInterval)
	case !validLogLevel(c.LogLevel):
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	switch c.Bus {
	case BusMulticast, BusFile, BusNone:
	default:
		return fmt.Errorf("unknown bus %q (want %s, %s or %s)", c.Bus, BusMulticast, BusFile, BusNone)
	}

	if c.RelayURL != "" {
		u, err := NormalizeRelayURL(c.RelayURL)
		if err != nil {
			return err
		}
		c.RelayURL = u
	}
	return nil
}

// LoadClient builds the client configuration from args (without the
// program name). It returns pflag.ErrHelp when help was requested.
func LoadClient(fs *pflag.FlagSet, args []string) (Client, error) {
	var (
		path  string
		debug bool
		flags = DefaultClient()
	)

	fs.StringVarP(&path, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	fs.StringVarP(&flags.Username, "name", "n", "", "display name (prompted when empty)")
	fs.StringVarP(&flags.RelayURL, "relay", "r", "", "signaling relay URL, empty for same-device chat only")
	fs.StringVar(&flags.Bus, "bus", flags.Bus, "local discovery bus: multicast, file or none")
	fs.StringVar(&flags.MulticastAddr, "multicast-addr", flags.MulticastAddr, "multicast group for local discovery")
	fs.StringVar(&flags.StoreDir, "store-dir", flags.StoreDir, "shared directory for file discovery")
	fs.DurationVar((*time.Duration)(&flags.AnnounceInterval), "announce-interval", flags.AnnounceInterval.Std(), "discovery announce interval")
	fs.DurationVar((*time.Duration)(&flags.ConnectTimeout), "connect-timeout", flags.ConnectTimeout.Std(), "give up on a connection attempt after this long, 0 waits forever")
	fs.StringSliceVar(&flags.STUNServers, "stun", flags.STUNServers, "STUN server URLs")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level: debug, info, warn or error")
	fs.DurationVar((*time.Duration)(&flags.StatsInterval), "stats-interval", flags.StatsInterval.Std(), "log traffic stats this often, 0 disables")
	fs.BoolVar(&debug, "debug", false, "shorthand for --log-level=debug")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	cfg := DefaultClient()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Client{}, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "name":
			cfg.Username = flags.Username
		case "relay":
			cfg.RelayURL = flags.RelayURL
		case "bus":
			cfg.Bus = flags.Bus
		case "multicast-addr":
			cfg.MulticastAddr = flags.MulticastAddr
		case "store-dir":
			cfg.StoreDir = flags.StoreDir
		case "announce-interval":
			cfg.AnnounceInterval = flags.AnnounceInterval
		case "connect-timeout":
			cfg.ConnectTimeout = flags.ConnectTimeout
		case "stun":
			cfg.STUNServers = flags.STUNServers
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "stats-interval":
			cfg.StatsInterval = flags.StatsInterval
		}
	})
	if debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return Client{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
