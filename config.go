package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

const configFileName = "BlueGauge.toml"

// tomlConfig mirrors the on-disk layout of BlueGauge.toml.
type tomlConfig struct {
	TrayConfig    tomlTrayConfig    `toml:"TrayConfig"`
	NotifyOptions tomlNotifyOptions `toml:"NotifyOptions"`
}

type tomlTrayConfig struct {
	UpdateInterval   uint64 `toml:"update_interval"`
	ShowDisconnected bool   `toml:"show_disconnected"`
	TruncateName     bool   `toml:"truncate_name"`
	PrefixBattery    bool   `toml:"prefix_battery"`
}

type tomlNotifyOptions struct {
	Mute          bool  `toml:"mute"`
	LowBattery    uint8 `toml:"low_battery"`
	Disconnection bool  `toml:"disconnection"`
	Reconnection  bool  `toml:"reconnection"`
	Added         bool  `toml:"added"`
	Removed       bool  `toml:"removed"`
}

func defaultTomlConfig() tomlConfig {
	return tomlConfig{
		TrayConfig: tomlTrayConfig{
			UpdateInterval: 60,
		},
		NotifyOptions: tomlNotifyOptions{
			LowBattery: 15,
		},
	}
}

// Config holds the live settings. Fields are atomics so the poll loop, the
// IPC handlers and the notification sink can read them without a lock while
// an IPC `set` mutates them.
type Config struct {
	path string

	updateInterval   atomic.Uint64
	showDisconnected atomic.Bool
	truncateName     atomic.Bool
	prefixBattery    atomic.Bool

	mute          atomic.Bool
	lowBattery    atomic.Uint32
	disconnection atomic.Bool
	reconnection  atomic.Bool
	added         atomic.Bool
	removed       atomic.Bool

	// forceUpdate preempts the poll wait and makes the next reconcile run
	// in force mode.
	forceUpdate atomic.Bool
}

// DefaultConfigPath is the per-user config location.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "bluegauge", configFileName), nil
}

// OpenConfig reads the config file, creating it with defaults when missing.
// A malformed file is replaced by defaults with a warning; losing a
// hand-edit beats refusing to start.
func OpenConfig(path string, log zerolog.Logger) (*Config, error) {
	tc := defaultTomlConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &tc); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("malformed config file, using defaults")
			tc = defaultTomlConfig()
		}
	case os.IsNotExist(err):
		if err := writeTomlConfig(path, tc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Config{path: path}
	c.apply(tc)
	return c, nil
}

func (c *Config) apply(tc tomlConfig) {
	c.updateInterval.Store(tc.TrayConfig.UpdateInterval)
	c.showDisconnected.Store(tc.TrayConfig.ShowDisconnected)
	c.truncateName.Store(tc.TrayConfig.TruncateName)
	c.prefixBattery.Store(tc.TrayConfig.PrefixBattery)
	c.mute.Store(tc.NotifyOptions.Mute)
	c.lowBattery.Store(uint32(tc.NotifyOptions.LowBattery))
	c.disconnection.Store(tc.NotifyOptions.Disconnection)
	c.reconnection.Store(tc.NotifyOptions.Reconnection)
	c.added.Store(tc.NotifyOptions.Added)
	c.removed.Store(tc.NotifyOptions.Removed)
}

// Save writes the current settings back to disk.
func (c *Config) Save() error {
	tc := tomlConfig{
		TrayConfig: tomlTrayConfig{
			UpdateInterval:   c.updateInterval.Load(),
			ShowDisconnected: c.showDisconnected.Load(),
			TruncateName:     c.truncateName.Load(),
			PrefixBattery:    c.prefixBattery.Load(),
		},
		NotifyOptions: tomlNotifyOptions{
			Mute:          c.mute.Load(),
			LowBattery:    uint8(c.lowBattery.Load()),
			Disconnection: c.disconnection.Load(),
			Reconnection:  c.reconnection.Load(),
			Added:         c.added.Load(),
			Removed:       c.removed.Load(),
		},
	}
	return writeTomlConfig(c.path, tc)
}

func writeTomlConfig(path string, tc tomlConfig) error {
	data, err := toml.Marshal(tc)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Path() string { return c.path }

func (c *Config) UpdateInterval() time.Duration {
	secs := c.updateInterval.Load()
	if secs == 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func (c *Config) ShowDisconnected() bool { return c.showDisconnected.Load() }
func (c *Config) TruncateName() bool     { return c.truncateName.Load() }
func (c *Config) PrefixBattery() bool    { return c.prefixBattery.Load() }
func (c *Config) Mute() bool             { return c.mute.Load() }
func (c *Config) LowBattery() uint8      { return uint8(c.lowBattery.Load()) }
func (c *Config) Disconnection() bool    { return c.disconnection.Load() }
func (c *Config) Reconnection() bool     { return c.reconnection.Load() }
func (c *Config) Added() bool            { return c.added.Load() }
func (c *Config) Removed() bool          { return c.removed.Load() }

// RequestForceUpdate arms the force flag; ConsumeForceUpdate clears and
// reports it. The flag is a one-shot: one request yields one forced pass.
func (c *Config) RequestForceUpdate()      { c.forceUpdate.Store(true) }
func (c *Config) ConsumeForceUpdate() bool { return c.forceUpdate.Swap(false) }

// SetOption flips one named boolean option, mirroring the config file keys.
func (c *Config) SetOption(name string, value bool) error {
	switch name {
	case "mute":
		c.mute.Store(value)
	case "disconnection":
		c.disconnection.Store(value)
	case "reconnection":
		c.reconnection.Store(value)
	case "added":
		c.added.Store(value)
	case "removed":
		c.removed.Store(value)
	case "show_disconnected":
		c.showDisconnected.Store(value)
	case "truncate_name":
		c.truncateName.Store(value)
	case "prefix_battery":
		c.prefixBattery.Store(value)
	default:
		return fmt.Errorf("unknown option %q", name)
	}
	return nil
}

// EventConfig captures the notification-relevant settings for one
// reconciliation pass.
func (c *Config) EventConfig() EventConfig {
	return EventConfig{
		LowBatteryThreshold: c.LowBattery(),
		NotifyAdded:         c.Added(),
		NotifyRemoved:       c.Removed(),
		NotifyReconnect:     c.Reconnection(),
		NotifyDisconnect:    c.Disconnection(),
	}
}
