// Package mcpbridge exposes a connected kernel to MCP clients as a small set
// of tools served over stdio.
package mcpbridge

import (
	"context"

	"kernelbridge/internal/kernel"
	"kernelbridge/internal/wire"
)

// Kernel is what the bridge needs from a kernel connection.
type Kernel interface {
	KernelType() string
	ConnectionFile() string
	State() wire.State
	RefreshKernelInfo(ctx context.Context) (kernel.KernelInfo, error)
	NewMessage(msgType string, content any, parent *wire.Message) (*wire.Message, error)
	Request(ctx context.Context, ch wire.ChannelName, msg *wire.Message) (*wire.Message, error)
	Subscribe(ch wire.ChannelName, filter wire.Filter, buffer int) (Stream, error)
	Interrupt(ctx context.Context) error
}

// Stream is a subscription to kernel messages. C is closed when the stream ends.
type Stream interface {
	C() <-chan *wire.Message
	Close()
}

// FromConnection adapts an established connection.
func FromConnection(conn *kernel.Connection) Kernel {
	return connectionKernel{Connection: conn}
}

type connectionKernel struct {
	*kernel.Connection
}

func (k connectionKernel) Subscribe(ch wire.ChannelName, filter wire.Filter, buffer int) (Stream, error) {
	sub, err := k.Connection.Subscribe(ch, filter, buffer)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
