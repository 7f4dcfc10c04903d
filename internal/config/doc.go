// Package config provides configuration management for kernelbridge.
//
// Configuration is layered: built-in defaults are overridden by the user file
// (~/.config/kernelbridge/config.yaml), which is overridden by the project file
// (./.kernelbridge/config.yaml), which is overridden by an explicit file passed on
// the command line. Zero values in an overlay never clear a value from a lower layer.
//
// The package also hosts the directory loader used for YAML kernel definitions
// (the kernels/ subdirectory of both configuration directories). Files that fail to
// parse or validate are collected into a ConfigurationErrorCollection instead of
// aborting the load, so one broken definition does not hide the others.
package config
