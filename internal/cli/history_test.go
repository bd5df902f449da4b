package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/pkg/journal"
)

func TestHistoryCommand(t *testing.T) {
	t.Run("should fail when the journal is disabled", func(t *testing.T) {
		_, err := execute(t, "", "history", "--config", filepath.Join(t.TempDir(), "missing"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "journal is disabled")
	})

	t.Run("should list the newest entries first", func(t *testing.T) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "journal.db")

		j, err := journal.Open(dbPath)
		require.NoError(t, err)
		require.NoError(t, j.Record(journal.Entry{At: time.Now(), Session: "abc", Op: journal.OpSend, Relative: "a.txt"}))
		require.NoError(t, j.Record(journal.Entry{At: time.Now(), Session: "abc", Op: journal.OpDelete, Relative: "b.txt", Err: "refused"}))
		require.NoError(t, j.Close())

		globalPath := writeFile(t, dir, config.FileName, `{"journalPath":"`+filepath.ToSlash(dbPath)+`"}`)

		out, err := execute(t, "", "history", "--config", globalPath, "--limit", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "OPERATION")
		assert.Contains(t, out, "b.txt")
		assert.Contains(t, out, "refused")
		assert.NotContains(t, out, "a.txt")
	})
}
