package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the process. Zero values are filled from Default().
type Config struct {
	ListenAddr     string `toml:"listen-addr"`
	LogLevel       string `toml:"log-level"`
	LogFile        string `toml:"log-file"`
	Interface      string `toml:"interface"`
	FilterIP       string `toml:"filter-ip"`
	AutoStart      bool   `toml:"autostart"`
	ARPMonitor     bool   `toml:"arp-monitor"`
	CaptureBackend string `toml:"capture-backend"`
	DecodePolicy   string `toml:"decode-policy"`
	BufferSize     int    `toml:"buffer-size"`
	SnapLen        int    `toml:"snap-len"`
	CaptureDir     string `toml:"capture-dir"`
	TsharkPath     string `toml:"tshark-path"`
	EventLogSize   int    `toml:"event-log-size"`

	DiscoveryRateMS        int `toml:"discovery-rate-ms"`
	DiscoveryPingTimeoutMS int `toml:"discovery-ping-timeout-ms"`
	CommandTimeoutMS       int `toml:"command-timeout-ms"`
	TUIRefreshMS           int `toml:"tui-refresh-ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:             "127.0.0.1:8765",
		LogLevel:               "info",
		LogFile:                "netwarden.log",
		CaptureBackend:         "pcap",
		DecodePolicy:           "strict",
		BufferSize:             2000,
		SnapLen:                65536,
		CaptureDir:             "captures",
		TsharkPath:             "tshark",
		EventLogSize:           25,
		DiscoveryRateMS:        20,
		DiscoveryPingTimeoutMS: 1000,
		CommandTimeoutMS:       5000,
		TUIRefreshMS:           500,
	}
}

// Load reads a TOML file on top of Default(). An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("no such file: %s", path)
	}

	var fileCfg Config
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return cfg, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return cfg.Merge(fileCfg), nil
}

// Merge overlays the non-zero fields of overrides onto c.
func (c Config) Merge(o Config) Config {
	out := c
	setStr(&out.ListenAddr, o.ListenAddr)
	setStr(&out.LogLevel, o.LogLevel)
	setStr(&out.LogFile, o.LogFile)
	setStr(&out.Interface, o.Interface)
	setStr(&out.FilterIP, o.FilterIP)
	setStr(&out.CaptureBackend, o.CaptureBackend)
	setStr(&out.DecodePolicy, o.DecodePolicy)
	setStr(&out.CaptureDir, o.CaptureDir)
	setStr(&out.TsharkPath, o.TsharkPath)
	setInt(&out.BufferSize, o.BufferSize)
	setInt(&out.SnapLen, o.SnapLen)
	setInt(&out.EventLogSize, o.EventLogSize)
	setInt(&out.DiscoveryRateMS, o.DiscoveryRateMS)
	setInt(&out.DiscoveryPingTimeoutMS, o.DiscoveryPingTimeoutMS)
	setInt(&out.CommandTimeoutMS, o.CommandTimeoutMS)
	setInt(&out.TUIRefreshMS, o.TUIRefreshMS)
	out.AutoStart = out.AutoStart || o.AutoStart
	out.ARPMonitor = out.ARPMonitor || o.ARPMonitor
	return out
}

// Validate checks ranges and formats. All problems are reported together.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen-addr: %w", err))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level: invalid level string %q", c.LogLevel))
	}
	if c.FilterIP != "" && net.ParseIP(c.FilterIP) == nil {
		errs = append(errs, fmt.Errorf("filter-ip: wrong format %q", c.FilterIP))
	}
	if c.CaptureBackend != "pcap" && c.CaptureBackend != "tshark" {
		errs = append(errs, fmt.Errorf("capture-backend: must be pcap or tshark, got %q", c.CaptureBackend))
	}
	if c.DecodePolicy != "strict" && c.DecodePolicy != "lossy" {
		errs = append(errs, fmt.Errorf("decode-policy: must be strict or lossy, got %q", c.DecodePolicy))
	}
	if c.CaptureDir == "" {
		errs = append(errs, errors.New("capture-dir: must not be empty"))
	}
	errs = append(errs,
		checkRange("buffer-size", c.BufferSize, 100, 20000),
		checkRange("snap-len", c.SnapLen, 64, 262144),
		checkRange("event-log-size", c.EventLogSize, 1, 1000),
		checkRange("discovery-rate-ms", c.DiscoveryRateMS, 0, 5000),
		checkRange("discovery-ping-timeout-ms", c.DiscoveryPingTimeoutMS, 200, 5000),
		checkRange("command-timeout-ms", c.CommandTimeoutMS, 500, 120000),
		checkRange("tui-refresh-ms", c.TUIRefreshMS, 100, 10000),
	)

	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c Config) DiscoveryRate() time.Duration {
	return time.Duration(c.DiscoveryRateMS) * time.Millisecond
}

func (c Config) DiscoveryPingTimeout() time.Duration {
	return time.Duration(c.DiscoveryPingTimeoutMS) * time.Millisecond
}

func (c Config) TUIRefresh() time.Duration {
	return time.Duration(c.TUIRefreshMS) * time.Millisecond
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s: out of range[%d-%d]", name, lo, hi)
	}
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
