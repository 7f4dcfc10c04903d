package config

import (
	"time"
)

// KernelbridgeConfig is the top-level configuration structure for kernelbridge.
type KernelbridgeConfig struct {
	Connection       ConnectionSettings `yaml:"connection"`
	Heartbeat        HeartbeatSettings  `yaml:"heartbeat"`
	HandshakeTimeout time.Duration      `yaml:"handshakeTimeout,omitempty"` // Time allowed for kernel_info_reply after launch
	ShutdownTimeout  time.Duration      `yaml:"shutdownTimeout,omitempty"`  // Time allowed for shutdown_reply on dispose
	KillGrace        time.Duration      `yaml:"killGrace,omitempty"`        // SIGTERM to SIGKILL escalation delay
	KernelSpecDirs   []string           `yaml:"kernelSpecDirs,omitempty"`   // Extra Jupyter data dirs searched for kernels/<name>/kernel.json
	Metrics          MetricsSettings    `yaml:"metrics"`
}

// ConnectionSettings control how connection descriptors are built.
type ConnectionSettings struct {
	IP                 string `yaml:"ip,omitempty"`                 // Bind IP written into the connection file
	Transport          string `yaml:"transport,omitempty"`          // "tcp" or "ipc"
	SignatureScheme    string `yaml:"signatureScheme,omitempty"`    // e.g. "hmac-sha256"
	PortCount          int    `yaml:"portCount,omitempty"`          // Ports reserved per kernel, 5 for the Jupyter protocol
	Directory          string `yaml:"directory,omitempty"`          // Where connection files are written
	KeepConnectionFile bool   `yaml:"keepConnectionFile,omitempty"` // Leave the file on disk after dispose (debugging)
}

// HeartbeatSettings control the liveness probe on the hb channel.
type HeartbeatSettings struct {
	Interval      time.Duration `yaml:"interval,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	MissThreshold int           `yaml:"missThreshold,omitempty"` // Consecutive misses before the kernel is unresponsive
}

// MetricsSettings configure the optional Prometheus endpoint.
type MetricsSettings struct {
	Address   string `yaml:"address,omitempty"`   // e.g. "127.0.0.1:9464"; empty disables the endpoint
	Namespace string `yaml:"namespace,omitempty"` // Metric name prefix
}

const (
	TransportTCP = "tcp"
	TransportIPC = "ipc"

	SchemeHMACSHA256 = "hmac-sha256"
	SchemeHMACSHA512 = "hmac-sha512"
	SchemeHMACSHA1   = "hmac-sha1"
)
