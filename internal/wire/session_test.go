package wire

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, key, scheme string) *Session {
	t.Helper()
	s, err := NewSession(key, scheme, WithUsername("tester"))
	require.NoError(t, err)
	return s
}

func TestSession_SignedRoundTripVerifies(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, scheme := range []string{"hmac-sha256", "hmac-sha512", "hmac-sha1"} {
		t.Run(scheme, func(t *testing.T) {
			sender := newTestSession(t, "secret-key", scheme)
			receiver := newTestSession(t, "secret-key", scheme)

			for i := 0; i < 200; i++ {
				content := map[string]any{"code": fmt.Sprintf("x = %d", rng.Int()), "silent": rng.Intn(2) == 0}
				msg, err := sender.NewMessage("execute_request", content, nil)
				require.NoError(t, err)

				frames, err := sender.Serialize(msg)
				require.NoError(t, err)

				got, err := receiver.Deserialize(frames)
				require.NoError(t, err)
				assert.Equal(t, msg.Header, got.Header)
				assert.JSONEq(t, string(msg.Content), string(got.Content))
			}
		})
	}
}

func TestSession_TamperedFramesAreRejected(t *testing.T) {
	sender := newTestSession(t, "secret-key", "")
	msg, err := sender.NewMessage("execute_request", map[string]string{"code": "1+1"}, nil)
	require.NoError(t, err)
	frames, err := sender.Serialize(msg)
	require.NoError(t, err)

	// frames: delimiter, signature, header, parent, metadata, content
	for i := 2; i < 6; i++ {
		tampered := cloneFrames(frames)
		tampered[i] = append([]byte{}, tampered[i]...)
		tampered[i][len(tampered[i])-1] ^= 0x01

		_, err := newTestSession(t, "secret-key", "").Deserialize(tampered)
		assert.ErrorIs(t, err, ErrInvalidSignature, "frame %d", i)
	}

	wrongKey := newTestSession(t, "other-key", "")
	_, err = wrongKey.Deserialize(frames)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unsigned := cloneFrames(frames)
	unsigned[1] = nil
	_, err = newTestSession(t, "secret-key", "").Deserialize(unsigned)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSession_EmptyKeyDisablesAuth(t *testing.T) {
	s := newTestSession(t, "", "")
	assert.False(t, s.Authenticated())
	assert.Empty(t, s.Sign([][]byte{[]byte("x")}))

	msg, err := s.NewMessage("status", map[string]string{"execution_state": "idle"}, nil)
	require.NoError(t, err)
	frames, err := s.Serialize(msg)
	require.NoError(t, err)
	assert.Empty(t, frames[1])

	_, err = s.Deserialize(frames)
	require.NoError(t, err)
	// without a key there is nothing to replay-check
	_, err = s.Deserialize(frames)
	require.NoError(t, err)
}

func TestSession_ReplayIsRejected(t *testing.T) {
	sender := newTestSession(t, "k", "")
	receiver := newTestSession(t, "k", "")
	msg, err := sender.NewMessage("status", nil, nil)
	require.NoError(t, err)
	frames, err := sender.Serialize(msg)
	require.NoError(t, err)

	_, err = receiver.Deserialize(frames)
	require.NoError(t, err)
	_, err = receiver.Deserialize(frames)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestSession_ReplayHistoryIsBounded(t *testing.T) {
	sender := newTestSession(t, "k", "")
	receiver, err := NewSession("k", "", WithDigestHistory(4))
	require.NoError(t, err)

	var first [][]byte
	for i := 0; i < 10; i++ {
		msg, err := sender.NewMessage("status", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		frames, err := sender.Serialize(msg)
		require.NoError(t, err)
		if i == 0 {
			first = frames
		}
		_, err = receiver.Deserialize(frames)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(receiver.order), 4)
	// the oldest signature has been forgotten
	_, err = receiver.Deserialize(first)
	assert.NoError(t, err)
}

func TestSession_MalformedFrames(t *testing.T) {
	s := newTestSession(t, "", "")
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{"no delimiter", [][]byte{[]byte("{}"), []byte("{}")}},
		{"too few frames", [][]byte{[]byte(Delimiter), nil, []byte("{}"), []byte("{}")}},
		{"header not json", [][]byte{[]byte(Delimiter), nil, []byte("nope"), []byte("{}"), []byte("{}"), []byte("{}")}},
		{"content not json", [][]byte{[]byte(Delimiter), nil, []byte(`{"msg_type":"status"}`), []byte("{}"), []byte("{}"), []byte("{")}},
		{"missing msg_type", [][]byte{[]byte(Delimiter), nil, []byte(`{"msg_id":"1"}`), []byte("{}"), []byte("{}"), []byte("{}")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(tt.frames)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestSession_IdentitiesParentAndBuffers(t *testing.T) {
	s := newTestSession(t, "k", "hmac-sha256")
	parent, err := s.NewMessage("execute_request", map[string]string{"code": "print(1)"}, nil)
	require.NoError(t, err)

	msg, err := s.NewMessage("execute_reply", json.RawMessage(`{"status":"ok","execution_count":1}`), parent)
	require.NoError(t, err)
	msg.Identities = [][]byte{[]byte("client-a"), []byte("client-b")}
	msg.Buffers = [][]byte{{0x00, 0x01}, []byte("payload")}

	frames, err := s.Serialize(msg)
	require.NoError(t, err)
	assert.Equal(t, "client-a", string(frames[0]))
	assert.Equal(t, Delimiter, string(frames[2]))

	got, err := newTestSession(t, "k", "").Deserialize(frames)
	require.NoError(t, err)
	assert.Equal(t, msg.Identities, got.Identities)
	assert.Equal(t, msg.Buffers, got.Buffers)
	assert.Equal(t, parent.ID(), got.ParentID())
	assert.Equal(t, ProtocolVersion, got.Header.Version)
	assert.Equal(t, "tester", got.Header.Username)
	assert.Equal(t, s.ID, got.Header.Session)

	var reply struct {
		Status         string `json:"status"`
		ExecutionCount int    `json:"execution_count"`
	}
	require.NoError(t, got.DecodeContent(&reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, 1, reply.ExecutionCount)
}

func TestSession_EmptyParentEncodesAsObject(t *testing.T) {
	s := newTestSession(t, "", "")
	msg, err := s.NewMessage("kernel_info_request", nil, nil)
	require.NoError(t, err)
	frames, err := s.Serialize(msg)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(frames[3]))
	assert.Equal(t, "{}", string(frames[5]))
}

func TestNewSession_UnsupportedScheme(t *testing.T) {
	_, err := NewSession("k", "hmac-md5")
	assert.Error(t, err)
}

func cloneFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	copy(out, frames)
	return out
}
