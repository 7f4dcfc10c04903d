package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withVersion swaps the root command version for the duration of a test.
func withVersion(t *testing.T, v string) {
	t.Helper()
	previous := rootCmd.Version
	SetVersion(v)
	t.Cleanup(func() { rootCmd.Version = previous })
}

func TestSelfUpdate_RefusesDevelopmentBuilds(t *testing.T) {
	for _, v := range []string{"", "dev"} {
		t.Run("version="+v, func(t *testing.T) {
			withVersion(t, v)

			err := runSelfUpdate(newSelfUpdateCmd(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "development version")
		})
	}
}

func TestSelfUpdate_InvalidRepositorySlug(t *testing.T) {
	withVersion(t, "1.0.0")
	previous := githubRepoSlug
	githubRepoSlug = "not-a-slug"
	t.Cleanup(func() { githubRepoSlug = previous })

	var out bytes.Buffer
	cmd := newSelfUpdateCmd()
	cmd.SetOut(&out)

	err := runSelfUpdate(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-slug")
	assert.Empty(t, out.String(), "nothing is printed before a release is found")
}

func TestSelfUpdate_HelpNamesReleaseRepository(t *testing.T) {
	cmd := newSelfUpdateCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), githubRepoSlug)
	assert.Error(t, cmd.Args(cmd, []string{"extra"}), "self-update takes no arguments")
}
