package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"kernelbridge/internal/kernelspec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateKernels points every spec and config search path at temp dirs and
// installs one kernelspec.
func isolateKernels(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("JUPYTER_DATA_DIR", filepath.Join(home, "empty"))

	jupyterPath := t.TempDir()
	kernelDir := filepath.Join(jupyterPath, "kernels", "python3")
	require.NoError(t, os.MkdirAll(kernelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "kernel.json"), []byte(`{
		"argv": ["python3", "-m", "ipykernel_launcher", "-f", "{connection_file}"],
		"display_name": "Python 3 (ipykernel)",
		"language": "python",
		"interrupt_mode": "message"
	}`), 0o644))
	t.Setenv("JUPYTER_PATH", jupyterPath)
}

func TestSpecsCommand_JSON(t *testing.T) {
	isolateKernels(t)
	defer func() { specsJSON = false }()

	var buf bytes.Buffer
	specsCmd := newSpecsCmd()
	specsCmd.SetOut(&buf)
	specsCmd.SetArgs([]string{"--json"})
	require.NoError(t, specsCmd.Execute())

	var specs []specJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "python3", specs[0].Name)
	assert.Equal(t, "Python 3 (ipykernel)", specs[0].DisplayName)
	assert.Equal(t, "message", specs[0].InterruptMode)
	assert.Equal(t, "jupyter", specs[0].Source)
}

func TestSpecsCommand_Table(t *testing.T) {
	isolateKernels(t)

	var buf bytes.Buffer
	specsCmd := newSpecsCmd()
	specsCmd.SetOut(&buf)
	specsCmd.SetArgs([]string{})
	require.NoError(t, specsCmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "python3")
	assert.Contains(t, out, "Python 3 (ipykernel)")
}

func TestRenderSpecs_TruncatesLongNames(t *testing.T) {
	out := renderSpecs([]kernelspec.KernelSpec{{
		Name:        "long",
		DisplayName: "A display name that goes on far longer than any terminal column should",
		Argv:        []string{"k", "{connection_file}"},
		Source:      kernelspec.SourceRegistered,
	}})
	assert.Contains(t, out, "…")
	assert.Contains(t, out, "signal")
}
