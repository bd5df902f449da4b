package cli

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
)

func TestConfigCommand(t *testing.T) {
	t.Run("should print the project layer over the global layer", func(t *testing.T) {
		globalPath := writeFile(t, t.TempDir(), config.FileName, `{"secret":"topsecret","server":"global.example.com","twoWay":true}`)
		project := t.TempDir()
		writeFile(t, project, config.FileName, `{"server":"project.example.com","serverDir":"/srv/app","twoWay":false}`)

		out, err := execute(t, "", "config", "--config", globalPath, project)
		require.NoError(t, err)
		assert.NotContains(t, out, "topsecret")

		body := out[:strings.Index(out, "\nGlobal config:")]
		var eff config.Effective
		require.NoError(t, json.Unmarshal([]byte(body), &eff))
		assert.Equal(t, config.Redacted, eff.Secret)
		assert.Equal(t, "project.example.com", eff.Server)
		assert.Equal(t, "/srv/app", eff.ServerDir)
		assert.False(t, eff.TwoWay)
		assert.Equal(t, config.DefaultPort, eff.Port)
		assert.Contains(t, out, "Global config: "+globalPath)
	})

	t.Run("should report an invalid project file", func(t *testing.T) {
		project := t.TempDir()
		writeFile(t, project, config.FileName, `{"twoWay":"sometimes"}`)

		_, err := execute(t, "", "config", "--config", filepath.Join(t.TempDir(), "missing"), project)
		assert.Error(t, err)
	})
}
