package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBackupRotation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft_from_ui.toml")

	// No file yet: backup is a no-op
	require.NoError(t, createBackup(configPath))
	_, err := os.Stat(configPath + ".back1")
	assert.True(t, os.IsNotExist(err), "no backup should exist before the first write")

	write := func(content string) {
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	}
	readBack := func(suffix string) string {
		data, err := os.ReadFile(configPath + suffix)
		require.NoError(t, err)
		return string(data)
	}

	write("v1")
	require.NoError(t, createBackup(configPath))
	assert.Equal(t, "v1", readBack(".back1"))

	write("v2")
	require.NoError(t, createBackup(configPath))
	assert.Equal(t, "v2", readBack(".back1"))
	assert.Equal(t, "v1", readBack(".back2"))

	write("v3")
	require.NoError(t, createBackup(configPath))
	assert.Equal(t, "v3", readBack(".back1"))
	assert.Equal(t, "v2", readBack(".back2"))
	assert.Equal(t, "v1", readBack(".back3"))

	// Fourth backup drops the oldest
	write("v4")
	require.NoError(t, createBackup(configPath))
	assert.Equal(t, "v4", readBack(".back1"))
	assert.Equal(t, "v3", readBack(".back2"))
	assert.Equal(t, "v2", readBack(".back3"))
}

func TestGetUIConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	path := GetUIConfigPath()
	assert.Equal(t, filepath.Join(tmpDir, ".weft", "weft_from_ui.toml"), path)
}

func TestUpdateUISettings(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	require.NoError(t, UpdateQueueMaxRetries(7))

	// A second update to a different section must not clobber the first
	require.NoError(t, UpdateServerLogTheme("gruvbox"))

	data, err := os.ReadFile(GetUIConfigPath())
	require.NoError(t, err)

	var persisted map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &persisted))

	queue, ok := persisted["queue"].(map[string]interface{})
	require.True(t, ok, "queue section should exist")
	assert.EqualValues(t, 7, queue["max_retries"])

	server, ok := persisted["server"].(map[string]interface{})
	require.True(t, ok, "server section should exist")
	assert.Equal(t, "gruvbox", server["log_theme"])
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/user/.weft/weft.toml.back1"))
	assert.True(t, isBackupFile("/home/user/.weft/weft_from_ui.toml.back3"))
	assert.False(t, isBackupFile("/home/user/.weft/weft.toml"))
	assert.False(t, isBackupFile("/home/user/.weft/config.toml"))
}
