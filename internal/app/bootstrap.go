package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"kernelbridge/internal/config"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/kernelspec"
	"kernelbridge/internal/metrics"
	"kernelbridge/pkg/logging"
)

// Application wires configuration, kernel specs, metrics and the launcher
// together for the CLI commands.
type Application struct {
	config   *Config
	settings config.KernelbridgeConfig
	registry *kernelspec.Registry
	metrics  *metrics.PrometheusCollector
	launcher *kernel.Launcher
}

// NewApplication creates and initializes a new application instance
func NewApplication(cfg *Config) (*Application, error) {
	// Configure logging based on debug flag
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	}
	output := cfg.LogOutput
	if output == nil {
		output = os.Stderr
	}
	format := logging.FormatText
	if cfg.LogFormat == string(logging.FormatJSON) {
		format = logging.FormatJSON
	}
	logging.Init(appLogLevel, format, output)

	settings, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load kernelbridge configuration")
		return nil, fmt.Errorf("failed to load kernelbridge configuration: %w", err)
	}
	if cfg.ConfigPath != "" {
		logging.Info("Bootstrap", "Loaded configuration from %s", cfg.ConfigPath)
	} else {
		logging.Debug("Bootstrap", "Loaded configuration using layered approach")
	}
	if cfg.MetricsAddr != "" {
		settings.Metrics.Address = cfg.MetricsAddr
	}
	if cfg.HandshakeTimeout > 0 {
		settings.HandshakeTimeout = cfg.HandshakeTimeout
	}
	cfg.KernelbridgeConfig = &settings

	registry := kernelspec.NewRegistry(kernelspec.WithExtraJupyterDirs(settings.KernelSpecDirs...))
	if err := registry.Load(); err != nil {
		logging.Error("Bootstrap", err, "Failed to load kernel specs")
		return nil, fmt.Errorf("failed to load kernel specs: %w", err)
	}

	collector := metrics.NewPrometheusCollector(settings.Metrics.Namespace)
	launcher := kernel.NewLauncher(registry, kernel.SettingsFromConfig(settings), kernel.WithMetrics(collector))

	return &Application{
		config:   cfg,
		settings: settings,
		registry: registry,
		metrics:  collector,
		launcher: launcher,
	}, nil
}

// Settings returns the effective configuration.
func (a *Application) Settings() config.KernelbridgeConfig { return a.settings }

// Registry returns the kernel spec registry.
func (a *Application) Registry() *kernelspec.Registry { return a.registry }

// Launcher returns the kernel launcher.
func (a *Application) Launcher() *kernel.Launcher { return a.launcher }

// Metrics returns the Prometheus collector shared by every connection.
func (a *Application) Metrics() *metrics.PrometheusCollector { return a.metrics }

// WatchSpecs reloads kernel specs in the background while ctx is alive.
func (a *Application) WatchSpecs(ctx context.Context) {
	go func() {
		err := a.registry.Watch(ctx, func() {
			logging.Info("Bootstrap", "Kernel specs reloaded")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("Bootstrap", "Kernel spec watcher stopped: %v", err)
		}
	}()
}

// StartMetricsServer serves /metrics on the configured address until ctx is
// done. It returns the bound address, or "" when no address is configured.
func (a *Application) StartMetricsServer(ctx context.Context) (string, error) {
	if a.settings.Metrics.Address == "" {
		return "", nil
	}
	l, err := net.Listen("tcp", a.settings.Metrics.Address)
	if err != nil {
		return "", fmt.Errorf("failed to listen for metrics on %s: %w", a.settings.Metrics.Address, err)
	}
	a.serveMetrics(ctx, l)
	return l.Addr().String(), nil
}

func (a *Application) serveMetrics(ctx context.Context, l net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics", err, "Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Info("Metrics", "Serving metrics on http://%s/metrics", l.Addr())
}
