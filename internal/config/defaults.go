package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultPortCount is the number of channels in the Jupyter wire protocol.
const DefaultPortCount = 5

// GetDefaultConfig returns the built-in configuration. Every field is set so that a
// kernel can be launched without any config file present.
func GetDefaultConfig() KernelbridgeConfig {
	return KernelbridgeConfig{
		Connection: ConnectionSettings{
			IP:              "127.0.0.1",
			Transport:       TransportTCP,
			SignatureScheme: SchemeHMACSHA256,
			PortCount:       DefaultPortCount,
			Directory:       filepath.Join(os.TempDir(), "kernelbridge"),
		},
		Heartbeat: HeartbeatSettings{
			Interval:      3 * time.Second,
			Timeout:       time.Second,
			MissThreshold: 3,
		},
		HandshakeTimeout: 60 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		KillGrace:        2 * time.Second,
		KernelSpecDirs:   []string{},
		Metrics: MetricsSettings{
			Namespace: "kernelbridge",
		},
	}
}
