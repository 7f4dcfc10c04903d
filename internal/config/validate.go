package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

// ValidationErrors collects field errors so they can be reported together.
type ValidationErrors []ValidationError

// Add appends a field error.
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any error was collected.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// FormatValidationError wraps collected errors with the entity they belong to.
func FormatValidationError(entityType, entityName string, errs ValidationErrors) error {
	if entityName == "" {
		return fmt.Errorf("invalid %s: %w", entityType, errs)
	}
	return fmt.Errorf("invalid %s '%s': %w", entityType, entityName, errs)
}

// ValidateOneOf checks that value is one of the allowed values.
func ValidateOneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return ValidationError{Field: field, Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", "))}
}

// ValidateRequired checks that a string field is set.
func ValidateRequired(field, value, entityType string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError{Field: field, Message: fmt.Sprintf("is required for %s", entityType)}
	}
	return nil
}

// Validate checks a fully merged configuration.
func Validate(cfg KernelbridgeConfig) error {
	var errs ValidationErrors

	if net.ParseIP(cfg.Connection.IP) == nil && cfg.Connection.Transport == TransportTCP {
		errs.Add("connection.ip", fmt.Sprintf("%q is not an IP address", cfg.Connection.IP))
	}
	if err := ValidateOneOf("connection.transport", cfg.Connection.Transport, []string{TransportTCP, TransportIPC}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	schemes := []string{SchemeHMACSHA256, SchemeHMACSHA512, SchemeHMACSHA1}
	if err := ValidateOneOf("connection.signatureScheme", cfg.Connection.SignatureScheme, schemes); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	if cfg.Connection.PortCount != DefaultPortCount {
		errs.Add("connection.portCount", fmt.Sprintf("must be %d, one port per protocol channel", DefaultPortCount))
	}
	if err := ValidateRequired("connection.directory", cfg.Connection.Directory, "connection files"); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	if cfg.Heartbeat.Interval < 10*time.Millisecond {
		errs.Add("heartbeat.interval", "must be at least 10ms")
	}
	if cfg.Heartbeat.Timeout <= 0 {
		errs.Add("heartbeat.timeout", "must be positive")
	}
	if cfg.Heartbeat.MissThreshold < 1 {
		errs.Add("heartbeat.missThreshold", "must be at least 1")
	}
	if cfg.HandshakeTimeout <= 0 {
		errs.Add("handshakeTimeout", "must be positive")
	}
	if cfg.ShutdownTimeout < 0 {
		errs.Add("shutdownTimeout", "cannot be negative")
	}
	if cfg.KillGrace < 0 {
		errs.Add("killGrace", "cannot be negative")
	}

	if errs.HasErrors() {
		return FormatValidationError("configuration", "", errs)
	}
	return nil
}
