package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDigestHistory bounds how many received signatures are remembered for
// replay detection.
const DefaultDigestHistory = 1 << 16

const dateLayout = "2006-01-02T15:04:05.000000Z07:00"

// Session signs outgoing and verifies incoming messages for one connection.
// An empty key disables signing and verification.
type Session struct {
	ID       string
	Username string

	key     []byte
	scheme  string
	newHash func() hash.Hash

	mu      sync.Mutex
	history map[string]struct{}
	order   []string
	maxHist int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionID overrides the random session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.ID = id }
}

// WithUsername overrides the username written into headers.
func WithUsername(name string) SessionOption {
	return func(s *Session) { s.Username = name }
}

// WithDigestHistory sets the replay window size; 0 disables replay detection.
func WithDigestHistory(n int) SessionOption {
	return func(s *Session) { s.maxHist = n }
}

// NewSession creates a session for key and scheme ("hmac-sha256" when empty).
func NewSession(key, scheme string, opts ...SessionOption) (*Session, error) {
	if scheme == "" {
		scheme = "hmac-sha256"
	}
	var newHash func() hash.Hash
	switch scheme {
	case "hmac-sha256":
		newHash = sha256.New
	case "hmac-sha512":
		newHash = sha512.New
	case "hmac-sha1":
		newHash = sha1.New
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}

	s := &Session{
		ID:       uuid.NewString(),
		Username: currentUsername(),
		key:      []byte(key),
		scheme:   scheme,
		newHash:  newHash,
		history:  make(map[string]struct{}),
		maxHist:  DefaultDigestHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "kernelbridge"
}

// Scheme returns the signature scheme.
func (s *Session) Scheme() string { return s.scheme }

// Authenticated reports whether messages are signed.
func (s *Session) Authenticated() bool { return len(s.key) > 0 }

// NewMessage builds a message with a fresh header. content may be any JSON
// encodable value or raw JSON; nil encodes as {}. parent may be nil.
func (s *Session) NewMessage(msgType string, content any, parent *Message) (*Message, error) {
	body, err := encodeJSON(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", msgType, err)
	}
	msg := &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  s.ID,
			Username: s.Username,
			Date:     time.Now().UTC().Format(dateLayout),
			Version:  ProtocolVersion,
		},
		Metadata: json.RawMessage("{}"),
		Content:  body,
	}
	if parent != nil {
		msg.ParentHeader = parent.Header
	}
	return msg, nil
}

// Sign returns the hex HMAC over the given frames, empty when auth is disabled.
func (s *Session) Sign(frames [][]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(s.newHash, s.key)
	for _, f := range frames {
		mac.Write(f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Serialize renders msg as wire frames:
// identities, delimiter, signature, header, parent, metadata, content, buffers.
func (s *Session) Serialize(msg *Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parent header: %w", err)
	}
	metadata, err := encodeJSON(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	content, err := encodeJSON(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	signed := [][]byte{header, parent, metadata, content}
	frames := make([][]byte, 0, len(msg.Identities)+2+len(signed)+len(msg.Buffers))
	frames = append(frames, msg.Identities...)
	frames = append(frames, []byte(Delimiter), []byte(s.Sign(signed)))
	frames = append(frames, signed...)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Deserialize parses and verifies wire frames. Verification failures match
// ErrInvalidSignature or ErrReplayed; structural problems match ErrMalformed.
func (s *Session) Deserialize(frames [][]byte) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, []byte(Delimiter)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing delimiter", ErrMalformed)
	}
	rest := frames[idx+1:]
	if len(rest) < 5 {
		return nil, fmt.Errorf("%w: expected at least 5 frames after delimiter, got %d", ErrMalformed, len(rest))
	}
	signature := rest[0]
	signed := rest[1:5]

	if len(s.key) > 0 {
		if len(signature) == 0 {
			return nil, fmt.Errorf("%w: unsigned message", ErrInvalidSignature)
		}
		expected := s.Sign(signed)
		if !hmac.Equal(signature, []byte(expected)) {
			return nil, ErrInvalidSignature
		}
		if !s.remember(string(signature)) {
			return nil, ErrReplayed
		}
	}

	msg := &Message{}
	if idx > 0 {
		msg.Identities = make([][]byte, idx)
		copy(msg.Identities, frames[:idx])
	}
	if err := json.Unmarshal(signed[0], &msg.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(signed[1], &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("%w: parent header: %v", ErrMalformed, err)
	}
	if !json.Valid(signed[2]) {
		return nil, fmt.Errorf("%w: metadata is not JSON", ErrMalformed)
	}
	if !json.Valid(signed[3]) {
		return nil, fmt.Errorf("%w: content is not JSON", ErrMalformed)
	}
	msg.Metadata = json.RawMessage(signed[2])
	msg.Content = json.RawMessage(signed[3])
	if len(rest) > 5 {
		msg.Buffers = rest[5:]
	}
	if msg.Header.MsgType == "" {
		return nil, fmt.Errorf("%w: header has no msg_type", ErrMalformed)
	}
	return msg, nil
}

// remember records a signature, returning false when it was already seen.
func (s *Session) remember(sig string) bool {
	if s.maxHist <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.history[sig]; seen {
		return false
	}
	s.history[sig] = struct{}{}
	s.order = append(s.order, sig)
	if len(s.order) > s.maxHist {
		// drop the oldest half
		cut := len(s.order) / 2
		for _, old := range s.order[:cut] {
			delete(s.history, old)
		}
		s.order = append([]string(nil), s.order[cut:]...)
	}
	return true
}
