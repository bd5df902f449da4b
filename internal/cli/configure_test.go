package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "configure" {
				found = true
				break
			}
		}
		assert.True(t, found, "configure command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "", "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "interactive configuration wizard")
	})

	t.Run("should save the global and the project file", func(t *testing.T) {
		home := t.TempDir()
		project := t.TempDir()
		globalPath := filepath.Join(home, config.FileName)

		answers := strings.Join([]string{"s3cret", "sync.example.com", "6000", "/srv/app", "y", "", ""}, "\n") + "\n"
		out, err := execute(t, answers, "configure", "--config", globalPath, project)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to: "+globalPath)

		var global map[string]interface{}
		data, err := os.ReadFile(globalPath)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &global))
		assert.Equal(t, "s3cret", global["secret"])
		assert.Equal(t, "sync.example.com", global["server"])
		assert.Equal(t, float64(6000), global["port"])

		var local map[string]interface{}
		data, err = os.ReadFile(filepath.Join(project, config.FileName))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &local))
		assert.Equal(t, "/srv/app", local["serverDir"])
		assert.Equal(t, true, local["twoWay"])
		assert.Equal(t, false, local["deleteByRemote"])
	})
}
