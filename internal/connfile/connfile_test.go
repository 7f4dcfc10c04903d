package connfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptor(t *testing.T) {
	d, err := NewDescriptor("python3", "127.0.0.1", "", "", []int{5001, 5002, 5003, 5004, 5005})
	require.NoError(t, err)

	assert.Equal(t, 5001, d.ShellPort)
	assert.Equal(t, 5002, d.IOPubPort)
	assert.Equal(t, 5003, d.StdinPort)
	assert.Equal(t, 5004, d.ControlPort)
	assert.Equal(t, 5005, d.HBPort)
	assert.Equal(t, "tcp", d.Transport)
	assert.Equal(t, "hmac-sha256", d.SignatureScheme)
	assert.Equal(t, "python3", d.KernelName)
	assert.NotEmpty(t, d.Key)

	other, err := NewDescriptor("python3", "127.0.0.1", "", "", []int{5001, 5002, 5003, 5004, 5005})
	require.NoError(t, err)
	assert.NotEqual(t, d.Key, other.Key, "every descriptor gets a fresh key")
}

func TestNewDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		ip    string
		ports []int
		want  string
	}{
		{"too few ports", "127.0.0.1", []int{1, 2, 3, 4}, "need 5 ports"},
		{"duplicate port", "127.0.0.1", []int{5001, 5002, 5001, 5004, 5005}, "stdin_port"},
		{"port out of range", "127.0.0.1", []int{0, 5002, 5003, 5004, 70000}, "out of range"},
		{"missing ip", "", []int{5001, 5002, 5003, 5004, 5005}, "ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptor("k", tt.ip, "tcp", "hmac-sha256", tt.ports)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuilder_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDescriptor("python3", "127.0.0.1", "tcp", "hmac-sha512", []int{40001, 40002, 40003, 40004, 40005})
	require.NoError(t, err)

	path, err := Builder{Dir: dir}.Write(d)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "kernel-"))
	assert.Equal(t, ".json", filepath.Ext(path))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// only the published file remains, no temp leftovers
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBuilder_WritesDocumentedShape(t *testing.T) {
	d, err := NewDescriptor("ir", "127.0.0.1", "tcp", "hmac-sha256", []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	path, err := Builder{Dir: t.TempDir()}.Write(d)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{"shell_port", "iopub_port", "stdin_port", "control_port", "hb_port",
		"ip", "key", "transport", "signature_scheme", "kernel_name"} {
		assert.Contains(t, raw, key)
	}
	assert.EqualValues(t, 1, raw["shell_port"])
	assert.EqualValues(t, 5, raw["hb_port"])
}

func TestBuilder_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "runtime")
	d, err := NewDescriptor("k", "127.0.0.1", "tcp", "", []int{1, 2, 3, 4, 5})
	require.NoError(t, err)

	path, err := Builder{Dir: dir}.Write(d)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestRead_IgnoresUnknownAndRequiresFields(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"shell_port": 1, "iopub_port": 2, "stdin_port": 3, "control_port": 4, "hb_port": 5,
		"ip": "127.0.0.1", "key": "secret", "transport": "tcp",
		"jupyter_session": "/tmp/notebook.ipynb"
	}`), 0600))
	d, err := Read(good)
	require.NoError(t, err)
	assert.Equal(t, "hmac-sha256", d.SignatureScheme)
	assert.Equal(t, "secret", d.Key)

	missing := filepath.Join(dir, "missing.json")
	require.NoError(t, os.WriteFile(missing, []byte(`{"shell_port": 1, "ip": "127.0.0.1"}`), 0600))
	_, err = Read(missing)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{`), 0600))
	_, err = Read(broken)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestDescriptor_Endpoint(t *testing.T) {
	d := Descriptor{ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4, HBPort: 5, IP: "127.0.0.1", Transport: "tcp"}

	ep, err := d.Endpoint("shell")
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:1", ep)
	ep, err = d.Endpoint("hb")
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:5", ep)

	d.Transport = "ipc"
	d.IP = "/tmp/kernel"
	ep, err = d.Endpoint("iopub")
	require.NoError(t, err)
	assert.Equal(t, "ipc:///tmp/kernel-2", ep)

	_, err = d.Endpoint("bogus")
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	require.NoError(t, Remove(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, Remove(path), "removing twice is fine")
	assert.NoError(t, Remove(""))
}

func TestDescriptor_Redacted(t *testing.T) {
	d := Descriptor{Key: "secret"}
	assert.Equal(t, "********", d.Redacted().Key)
	assert.Equal(t, "secret", d.Key)
}
