// Package metrics instruments kernel connections.
package metrics

import (
	"time"

	"kernelbridge/internal/wire"
)

// Collector records connection lifecycle and per-kernel channel events.
type Collector interface {
	// ForKernel returns a channel observer whose events are labelled with kernelType.
	ForKernel(kernelType string) wire.Observer
	// ConnectionAttempt records the outcome and duration of one Create call.
	// result is ResultSuccess or a failure class such as "launch_error".
	ConnectionAttempt(kernelType string, duration time.Duration, result string)
	// ConnectionDisposed records the teardown of a connection.
	ConnectionDisposed(kernelType string, duration time.Duration)
}

// ResultSuccess labels a connection attempt that reached Connected.
const ResultSuccess = "success"

// NoopCollector discards everything.
type NoopCollector struct{}

// NewNoopCollector returns a collector that records nothing.
func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (NoopCollector) ForKernel(string) wire.Observer { return noopObserver{} }

func (NoopCollector) ConnectionAttempt(string, time.Duration, string) {}

func (NoopCollector) ConnectionDisposed(string, time.Duration) {}

type noopObserver struct{}

func (noopObserver) MessageSent(wire.ChannelName, string)     {}
func (noopObserver) MessageReceived(wire.ChannelName, string) {}
func (noopObserver) MessageDropped(wire.ChannelName, string)  {}
func (noopObserver) HeartbeatSucceeded(time.Duration)         {}
func (noopObserver) HeartbeatMissed()                         {}
func (noopObserver) StateChanged(wire.State, wire.State)      {}
