// Package connfile builds, writes and reads Jupyter connection files.
package connfile

import (
	"errors"
	"fmt"
	"strings"

	"kernelbridge/internal/config"

	"github.com/google/uuid"
)

// PortCount is the number of ports a connection file carries, one per channel.
const PortCount = 5

var (
	// ErrInvalidDescriptor is matched by validation failures.
	ErrInvalidDescriptor = errors.New("invalid connection descriptor")
)

// Descriptor is the content of a connection file. It is immutable once written.
type Descriptor struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// NewDescriptor assigns ports in channel order shell, iopub, stdin, control, hb and
// generates a fresh signing key.
func NewDescriptor(kernelName, ip, transport, scheme string, ports []int) (Descriptor, error) {
	if len(ports) != PortCount {
		return Descriptor{}, fmt.Errorf("%w: need %d ports, got %d", ErrInvalidDescriptor, PortCount, len(ports))
	}
	if transport == "" {
		transport = config.TransportTCP
	}
	if scheme == "" {
		scheme = config.SchemeHMACSHA256
	}
	d := Descriptor{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              ip,
		Key:             uuid.NewString(),
		Transport:       transport,
		SignatureScheme: scheme,
		KernelName:      kernelName,
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Ports returns the ports in channel order shell, iopub, stdin, control, hb.
func (d Descriptor) Ports() []int {
	return []int{d.ShellPort, d.IOPubPort, d.StdinPort, d.ControlPort, d.HBPort}
}

// Validate checks the fields a kernel needs to bind its sockets.
func (d Descriptor) Validate() error {
	var errs config.ValidationErrors

	names := []string{"shell_port", "iopub_port", "stdin_port", "control_port", "hb_port"}
	seen := make(map[int]string, PortCount)
	for i, p := range d.Ports() {
		if p < 1 || p > 65535 {
			errs.Add(names[i], fmt.Sprintf("port %d out of range", p))
			continue
		}
		if other, dup := seen[p]; dup {
			errs.Add(names[i], fmt.Sprintf("port %d already used by %s", p, other))
			continue
		}
		seen[p] = names[i]
	}
	if err := config.ValidateRequired("ip", d.IP, "connection file"); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if err := config.ValidateRequired("key", d.Key, "connection file"); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if err := config.ValidateOneOf("transport", d.Transport, []string{config.TransportTCP, config.TransportIPC}); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	schemes := []string{config.SchemeHMACSHA256, config.SchemeHMACSHA512, config.SchemeHMACSHA1}
	if err := config.ValidateOneOf("signature_scheme", d.SignatureScheme, schemes); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, errs.Error())
	}
	return nil
}

// Endpoint renders the ZeroMQ address for a channel: "shell", "iopub", "stdin",
// "control" or "hb".
func (d Descriptor) Endpoint(channel string) (string, error) {
	var port int
	switch strings.ToLower(channel) {
	case "shell":
		port = d.ShellPort
	case "iopub":
		port = d.IOPubPort
	case "stdin":
		port = d.StdinPort
	case "control":
		port = d.ControlPort
	case "hb":
		port = d.HBPort
	default:
		return "", fmt.Errorf("unknown channel %q", channel)
	}
	if d.Transport == config.TransportIPC {
		// jupyter_client names ipc endpoints <ip>-<port>
		return fmt.Sprintf("ipc://%s-%d", d.IP, port), nil
	}
	return fmt.Sprintf("tcp://%s:%d", d.IP, port), nil
}

// Redacted returns a copy with the key masked, for printing.
func (d Descriptor) Redacted() Descriptor {
	if d.Key != "" {
		d.Key = "********"
	}
	return d
}
