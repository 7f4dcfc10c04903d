package kernel

import (
	"context"
	"errors"

	"kernelbridge/internal/connfile"
	"kernelbridge/internal/kernelproc"
	"kernelbridge/internal/kernelspec"
	"kernelbridge/internal/metrics"
	"kernelbridge/internal/ports"
)

// ErrHandshakeTimeout is matched when a launched kernel did not answer
// kernel_info_request within the handshake timeout.
var ErrHandshakeTimeout = errors.New("kernel handshake timed out")

// Failure classes reported by Classify.
const (
	ClassConfig    = "config_error"
	ClassResource  = "resource_error"
	ClassLaunch    = "launch_error"
	ClassHandshake = "handshake_timeout"
	ClassCancelled = "cancelled"
	ClassOther     = "error"
)

// Classify maps a Create error onto its failure class, metrics.ResultSuccess for nil.
func Classify(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, kernelspec.ErrNotFound), errors.Is(err, kernelspec.ErrMalformedSpec),
		errors.Is(err, connfile.ErrInvalidDescriptor):
		return ClassConfig
	case errors.Is(err, ports.ErrPortsExhausted):
		return ClassResource
	case errors.Is(err, kernelproc.ErrLaunch):
		return ClassLaunch
	case errors.Is(err, ErrHandshakeTimeout):
		return ClassHandshake
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	default:
		return ClassOther
	}
}
