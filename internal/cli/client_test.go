package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
)

func newSyncFlags() *pflag.FlagSet {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.String("secret", "", "")
	f.String("server", "", "")
	f.Int("port", config.DefaultPort, "")
	f.String("server-dir", "", "")
	f.Bool("two-way", false, "")
	f.Bool("delete-on-remote", false, "")
	f.Bool("delete-by-remote", false, "")
	return f
}

func TestApplyFlags(t *testing.T) {
	project := config.Effective{
		Server:         "project.example.com",
		Secret:         "project",
		ServerDir:      "/srv/app",
		Port:           6000,
		TwoWay:         true,
		DeleteByRemote: true,
	}

	t.Run("should keep the project values for flags not given", func(t *testing.T) {
		f := newSyncFlags()
		require.NoError(t, f.Parse(nil))

		eff, err := applyFlags(project, f)
		require.NoError(t, err)
		assert.Equal(t, project, eff)
	})

	t.Run("should let given flags win", func(t *testing.T) {
		f := newSyncFlags()
		require.NoError(t, f.Parse([]string{"--server-dir", "/srv/other", "--port", "7000", "--two-way=false", "--delete-on-remote"}))

		eff, err := applyFlags(project, f)
		require.NoError(t, err)
		assert.Equal(t, "/srv/other", eff.ServerDir)
		assert.Equal(t, 7000, eff.Port)
		assert.False(t, eff.TwoWay)
		assert.True(t, eff.DeleteOnRemote)
		assert.True(t, eff.DeleteByRemote)
		assert.Equal(t, "project", eff.Secret)
	})

	t.Run("should ignore flags the set does not define", func(t *testing.T) {
		f := pflag.NewFlagSet("bare", pflag.ContinueOnError)
		eff, err := applyFlags(project, f)
		require.NoError(t, err)
		assert.Equal(t, project, eff)
	})
}

func TestClientCommand(t *testing.T) {
	t.Run("should require a server directory", func(t *testing.T) {
		dir := t.TempDir()
		_, err := execute(t, "", "client",
			"--config", filepath.Join(t.TempDir(), "missing"),
			"--secret", "s3cret",
			"--server", "localhost",
			"--cwd", dir,
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server directory is required")
	})

	t.Run("should take the server directory from the project file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, config.FileName, `{"serverDir":"/srv/app","secret":"project"}`)
		globalPath := writeFile(t, t.TempDir(), config.FileName, `{"secret":"global","server":"localhost","cwd":"`+filepath.ToSlash(dir)+`"}`)

		src, err := config.NewLoader(globalPath).Load()
		require.NoError(t, err)

		cmd := &cobra.Command{}
		cmd.Flags().AddFlagSet(newSyncFlags())

		cwd, eff, err := clientConfig(cmd, src)
		require.NoError(t, err)
		assert.Equal(t, dir, cwd)
		assert.Equal(t, dir, eff.Cwd)
		assert.Equal(t, "/srv/app", eff.ServerDir)
		assert.Equal(t, "project", eff.Secret)
		assert.Equal(t, "localhost", eff.Server)
	})
}
