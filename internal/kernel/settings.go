package kernel

import (
	"time"

	"kernelbridge/internal/config"
	"kernelbridge/internal/wire"
)

// Settings are the per-launcher knobs for establishing connections.
type Settings struct {
	IP                 string
	Transport          string
	SignatureScheme    string
	PortCount          int
	ConnectionDir      string
	KeepConnectionFile bool
	Heartbeat          wire.HeartbeatConfig
	HandshakeTimeout   time.Duration
	ShutdownTimeout    time.Duration
	KillGrace          time.Duration
}

// SettingsFromConfig maps the loaded configuration onto launcher settings.
func SettingsFromConfig(cfg config.KernelbridgeConfig) Settings {
	return Settings{
		IP:                 cfg.Connection.IP,
		Transport:          cfg.Connection.Transport,
		SignatureScheme:    cfg.Connection.SignatureScheme,
		PortCount:          cfg.Connection.PortCount,
		ConnectionDir:      cfg.Connection.Directory,
		KeepConnectionFile: cfg.Connection.KeepConnectionFile,
		Heartbeat: wire.HeartbeatConfig{
			Interval:      cfg.Heartbeat.Interval,
			Timeout:       cfg.Heartbeat.Timeout,
			MissThreshold: cfg.Heartbeat.MissThreshold,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		KillGrace:        cfg.KillGrace,
	}
}

// DefaultSettings returns the settings of the built-in configuration.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.GetDefaultConfig())
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.IP == "" {
		s.IP = d.IP
	}
	if s.Transport == "" {
		s.Transport = d.Transport
	}
	if s.SignatureScheme == "" {
		s.SignatureScheme = d.SignatureScheme
	}
	if s.PortCount <= 0 {
		s.PortCount = d.PortCount
	}
	if s.ConnectionDir == "" {
		s.ConnectionDir = d.ConnectionDir
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = d.ShutdownTimeout
	}
	if s.KillGrace <= 0 {
		s.KillGrace = d.KillGrace
	}
	return s
}
