// Package config parses relaymesh's flags and environment into a single
// Config record, hand-rolling a flag.FlagSet plus env overrides rather
// than reaching for a cobra/viper dependency.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Config tunes every policy knob the pub/sub node and stream transport
// expose. Zero-value fields are filled in by Defaults/Parse.
type Config struct {
	BindAddr string
	Channels []uint16

	MaxSolConns      int
	MaxUnsolConns    int
	AcceptUnsolConn  bool
	EnableRelay      bool
	EnableCutThrough bool

	PeerSelectionTick time.Duration
	BlacklistTick     time.Duration
	DedupTick         time.Duration

	// SnapshotPath, if set, is where the msgpack-encoded config snapshot
	// is dumped on startup (see WriteSnapshot) — a diagnostic aid, not
	// persisted node state.
	SnapshotPath string

	// MetricsSnapshotPath, if set, is where the JSON metrics snapshot
	// (internal/metrics.Metrics.WriteSnapshot) is dumped on shutdown.
	MetricsSnapshotPath string
}

func Defaults() Config {
	return Config{
		BindAddr:          ":4242",
		MaxSolConns:       4,
		MaxUnsolConns:     16,
		AcceptUnsolConn:   true,
		EnableRelay:       true,
		EnableCutThrough:  true,
		PeerSelectionTick: 60 * time.Second,
		BlacklistTick:     600 * time.Second,
		DedupTick:         10 * time.Second,
	}
}

// Parse builds a Config from defaults, then a flag.FlagSet over args, then
// RELAYMESH_* environment overrides (env wins over flags, matching the
// teacher's WEB4_* precedence).
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Defaults()

	var channelsCSV string
	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "address to bind the UDP transport to")
	fs.StringVar(&channelsCSV, "channels", "", "comma-separated list of channel ids to subscribe to")
	fs.IntVar(&cfg.MaxSolConns, "max-sol-conns", cfg.MaxSolConns, "max solicited (dialed) peers")
	fs.IntVar(&cfg.MaxUnsolConns, "max-unsol-conns", cfg.MaxUnsolConns, "max unsolicited (accepted) peers")
	fs.BoolVar(&cfg.AcceptUnsolConn, "accept-unsol-conn", cfg.AcceptUnsolConn, "accept unsolicited inbound connections")
	fs.BoolVar(&cfg.EnableRelay, "enable-relay", cfg.EnableRelay, "re-emit received messages to other peers")
	fs.BoolVar(&cfg.EnableCutThrough, "enable-cut-through", cfg.EnableCutThrough, "stream oversized messages without full buffering")
	fs.DurationVar(&cfg.PeerSelectionTick, "peer-selection-tick", cfg.PeerSelectionTick, "manage_subscriptions tick interval")
	fs.DurationVar(&cfg.BlacklistTick, "blacklist-tick", cfg.BlacklistTick, "blacklist flush interval")
	fs.DurationVar(&cfg.DedupTick, "dedup-tick", cfg.DedupTick, "dedup ring advance / heartbeat interval")
	fs.StringVar(&cfg.SnapshotPath, "config-snapshot", cfg.SnapshotPath, "optional path to write a config snapshot to on startup")
	fs.StringVar(&cfg.MetricsSnapshotPath, "metrics-snapshot", cfg.MetricsSnapshotPath, "optional path to write a metrics snapshot to on shutdown")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if channelsCSV != "" {
		chans, err := parseChannels(channelsCSV)
		if err != nil {
			return Config{}, err
		}
		cfg.Channels = chans
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseChannels(csv string) ([]uint16, error) {
	parts := strings.Split(csv, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: bad channel id %q: %w", p, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("RELAYMESH_BIND")); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYMESH_CHANNELS")); v != "" {
		chans, err := parseChannels(v)
		if err != nil {
			return err
		}
		cfg.Channels = chans
	}
	if v, err := envInt("RELAYMESH_MAX_SOL_CONNS"); err != nil {
		return err
	} else if v != nil {
		cfg.MaxSolConns = *v
	}
	if v, err := envInt("RELAYMESH_MAX_UNSOL_CONNS"); err != nil {
		return err
	} else if v != nil {
		cfg.MaxUnsolConns = *v
	}
	if v, err := envBool("RELAYMESH_ACCEPT_UNSOL_CONN"); err != nil {
		return err
	} else if v != nil {
		cfg.AcceptUnsolConn = *v
	}
	if v, err := envBool("RELAYMESH_ENABLE_RELAY"); err != nil {
		return err
	} else if v != nil {
		cfg.EnableRelay = *v
	}
	if v, err := envBool("RELAYMESH_ENABLE_CUT_THROUGH"); err != nil {
		return err
	} else if v != nil {
		cfg.EnableCutThrough = *v
	}
	if v, err := envDuration("RELAYMESH_PEER_SELECTION_TICK"); err != nil {
		return err
	} else if v != nil {
		cfg.PeerSelectionTick = *v
	}
	if v, err := envDuration("RELAYMESH_BLACKLIST_TICK"); err != nil {
		return err
	} else if v != nil {
		cfg.BlacklistTick = *v
	}
	if v, err := envDuration("RELAYMESH_DEDUP_TICK"); err != nil {
		return err
	} else if v != nil {
		cfg.DedupTick = *v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYMESH_CONFIG_SNAPSHOT")); v != "" {
		cfg.SnapshotPath = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYMESH_METRICS_SNAPSHOT")); v != "" {
		cfg.MetricsSnapshotPath = v
	}
	return nil
}

func envInt(key string) (*int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("config: bad %s=%q: %w", key, v, err)
	}
	return &n, nil
}

func envBool(key string) (*bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("config: bad %s=%q: %w", key, v, err)
	}
	return &b, nil
}

func envDuration(key string) (*time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("config: bad %s=%q: %w", key, v, err)
	}
	return &d, nil
}

// WriteSnapshot msgpack-encodes cfg and writes it to cfg.SnapshotPath, a
// diagnostic dump paralleling internal/metrics' JSON snapshot but in the
// other serialization idiom this repo carries (see DESIGN.md). A no-op
// when SnapshotPath is empty.
func WriteSnapshot(cfg Config) error {
	if cfg.SnapshotPath == "" {
		return nil
	}
	data, err := msgpack.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.SnapshotPath, data, 0600)
}
