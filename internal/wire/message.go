// Package wire speaks the signed multipart Jupyter messaging protocol over the
// five kernel channels.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Delimiter separates routing identities from the signed message frames.
	Delimiter = "<IDS|MSG>"
	// ProtocolVersion is the messaging protocol version written into headers.
	ProtocolVersion = "5.3"
)

var (
	// ErrMalformed is matched by frames that are not a valid protocol message.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalidSignature is matched by messages whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid message signature")
	// ErrReplayed is matched by messages whose signature was already seen.
	ErrReplayed = errors.New("replayed message signature")
	// ErrClosed is returned by operations on a closed channel or channel set.
	ErrClosed = errors.New("channel closed")
)

// ChannelName identifies one of the five protocol channels.
type ChannelName string

const (
	Shell   ChannelName = "shell"
	Control ChannelName = "control"
	Stdin   ChannelName = "stdin"
	IOPub   ChannelName = "iopub"
	HB      ChannelName = "hb"
)

// Channels lists the channels in connection-file order.
var Channels = []ChannelName{Shell, IOPub, Stdin, Control, HB}

// Header is a message header. A zero Header encodes as {} for an absent parent.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is one protocol message. Content and Metadata are kept as raw JSON;
// the bridge never interprets them.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     json.RawMessage
	Content      json.RawMessage
	Buffers      [][]byte

	// Channel is set on received messages.
	Channel ChannelName
}

// ID returns the message id.
func (m *Message) ID() string { return m.Header.MsgID }

// Type returns the message type.
func (m *Message) Type() string { return m.Header.MsgType }

// ParentID returns the id of the message this one answers, empty if none.
func (m *Message) ParentID() string { return m.ParentHeader.MsgID }

// DecodeContent unmarshals the content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s has no content", ErrMalformed, m.Header.MsgType)
	}
	return json.Unmarshal(m.Content, v)
}

// encodeJSON marshals v, rendering nil as {}.
func encodeJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("{}"), nil
		}
		return t, nil
	case []byte:
		if len(t) == 0 {
			return json.RawMessage("{}"), nil
		}
		return json.RawMessage(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
