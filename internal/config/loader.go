package config

import (
	"fmt"
	"os"
	"path/filepath"

	"kernelbridge/pkg/logging"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/kernelbridge"
	projectConfigDir = ".kernelbridge"
	configFileName   = "config.yaml"
)

// LoadConfig loads the kernelbridge configuration by layering default, user, and project
// settings. If explicitPath is non-empty it is applied last and must exist.
func LoadConfig(explicitPath string) (KernelbridgeConfig, error) {
	// 1. Start with the default configuration
	config := GetDefaultConfig()

	// 2. Determine user-specific configuration path
	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// User config is optional
		logging.Warn("Config", "Could not determine user config path: %v", err)
	} else {
		if _, err := os.Stat(userConfigPath); !os.IsNotExist(err) {
			userConfig, err := loadConfigFromFile(userConfigPath)
			if err != nil {
				return KernelbridgeConfig{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
			}
			config = mergeConfigs(config, userConfig)
		}
	}

	// 3. Determine project-specific configuration path
	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine project config path: %v", err)
	} else {
		if _, err := os.Stat(projectConfigPath); !os.IsNotExist(err) {
			projectConfig, err := loadConfigFromFile(projectConfigPath)
			if err != nil {
				return KernelbridgeConfig{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
			}
			config = mergeConfigs(config, projectConfig)
		}
	}

	// 4. Explicit file from the command line
	if explicitPath != "" {
		explicitConfig, err := loadConfigFromFile(explicitPath)
		if err != nil {
			return KernelbridgeConfig{}, fmt.Errorf("error loading config from %s: %w", explicitPath, err)
		}
		config = mergeConfigs(config, explicitConfig)
	}

	if err := Validate(config); err != nil {
		return KernelbridgeConfig{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads a KernelbridgeConfig from a YAML file.
func loadConfigFromFile(filePath string) (KernelbridgeConfig, error) {
	var config KernelbridgeConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return KernelbridgeConfig{}, err
	}
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return KernelbridgeConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config.
func mergeConfigs(base, overlay KernelbridgeConfig) KernelbridgeConfig {
	merged := base

	// Connection settings (overlay overrides base)
	if overlay.Connection.IP != "" {
		merged.Connection.IP = overlay.Connection.IP
	}
	if overlay.Connection.Transport != "" {
		merged.Connection.Transport = overlay.Connection.Transport
	}
	if overlay.Connection.SignatureScheme != "" {
		merged.Connection.SignatureScheme = overlay.Connection.SignatureScheme
	}
	if overlay.Connection.PortCount != 0 {
		merged.Connection.PortCount = overlay.Connection.PortCount
	}
	if overlay.Connection.Directory != "" {
		merged.Connection.Directory = overlay.Connection.Directory
	}
	if overlay.Connection.KeepConnectionFile {
		merged.Connection.KeepConnectionFile = true
	}

	// Heartbeat
	if overlay.Heartbeat.Interval != 0 {
		merged.Heartbeat.Interval = overlay.Heartbeat.Interval
	}
	if overlay.Heartbeat.Timeout != 0 {
		merged.Heartbeat.Timeout = overlay.Heartbeat.Timeout
	}
	if overlay.Heartbeat.MissThreshold != 0 {
		merged.Heartbeat.MissThreshold = overlay.Heartbeat.MissThreshold
	}

	// Timeouts
	if overlay.HandshakeTimeout != 0 {
		merged.HandshakeTimeout = overlay.HandshakeTimeout
	}
	if overlay.ShutdownTimeout != 0 {
		merged.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.KillGrace != 0 {
		merged.KillGrace = overlay.KillGrace
	}

	// Spec dirs accumulate, lower layers first
	if len(overlay.KernelSpecDirs) > 0 {
		dirs := make([]string, 0, len(base.KernelSpecDirs)+len(overlay.KernelSpecDirs))
		dirs = append(dirs, base.KernelSpecDirs...)
		dirs = append(dirs, overlay.KernelSpecDirs...)
		merged.KernelSpecDirs = dirs
	}

	// Metrics
	if overlay.Metrics.Address != "" {
		merged.Metrics.Address = overlay.Metrics.Address
	}
	if overlay.Metrics.Namespace != "" {
		merged.Metrics.Namespace = overlay.Metrics.Namespace
	}

	return merged
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// GetConfigurationPaths returns the user and project configuration directories.
func GetConfigurationPaths() (userDir, projectDir string, err error) {
	userDir, err = GetUserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	wd, err := osGetwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return userDir, filepath.Join(wd, projectConfigDir), nil
}
