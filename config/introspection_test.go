package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSettingsFromSource(t *testing.T) {
	t.Run("Flat settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"max_retries":            3,
			"match_scan_limit":       200,
			"sweep_interval_seconds": 10,
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceUser, "/home/user/.weft/weft.toml", sourceMap)

		assert.Len(t, sourceMap, 3)
		assert.Equal(t, SourceUser, sourceMap["max_retries"].Source)
		assert.Equal(t, "/home/user/.weft/weft.toml", sourceMap["max_retries"].Path)
	})

	t.Run("Nested settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"max_retries":            3,
				"assign_timeout_seconds": 30,
			},
			"database": map[string]interface{}{
				"path": "weft.db",
			},
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceUser, "/test/weft.toml", sourceMap)

		// Verify dotted keys are created correctly
		assert.Equal(t, SourceUser, sourceMap["queue.max_retries"].Source)
		assert.Equal(t, SourceUser, sourceMap["queue.assign_timeout_seconds"].Source)
		assert.Equal(t, SourceUser, sourceMap["database.path"].Source)

		// Verify all have correct source path
		assert.Equal(t, "/test/weft.toml", sourceMap["queue.max_retries"].Path)
	})

	t.Run("Deeply nested settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"machine": map[string]interface{}{
				"probes": map[string]interface{}{
					"ollama": "http://localhost:11434",
				},
			},
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceProject, "/project/weft.toml", sourceMap)

		// Verify deep nesting creates correct dotted key
		info, exists := sourceMap["machine.probes.ollama"]
		assert.True(t, exists)
		assert.Equal(t, SourceProject, info.Source)
		assert.Equal(t, "/project/weft.toml", info.Path)
	})

	t.Run("Later source overwrites earlier attribution", func(t *testing.T) {
		sourceMap := make(map[string]SourceInfo)

		markSettingsFromSource(map[string]interface{}{
			"queue": map[string]interface{}{"max_retries": 2},
		}, "", SourceUser, "/home/user/.weft/weft.toml", sourceMap)

		markSettingsFromSource(map[string]interface{}{
			"queue": map[string]interface{}{"max_retries": 5},
		}, "", SourceProject, "/project/weft.toml", sourceMap)

		assert.Equal(t, SourceProject, sourceMap["queue.max_retries"].Source)
		assert.Equal(t, "/project/weft.toml", sourceMap["queue.max_retries"].Path)
	})
}

func TestFlattenSettingsWithSources(t *testing.T) {
	t.Run("Basic flattening with source assignment", func(t *testing.T) {
		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"max_retries":              3,
				"progress_timeout_seconds": 60,
			},
		}

		sourceMap := map[string]SourceInfo{
			"queue.max_retries": {
				Source: SourceUser,
				Path:   "/home/user/.weft/weft.toml",
			},
			"queue.progress_timeout_seconds": {
				Source: SourceUserUI,
				Path:   "/home/user/.weft/weft_from_ui.toml",
			},
		}

		introspection := &ConfigIntrospection{Settings: make([]SettingInfo, 0)}
		flattenSettingsWithSources(settings, "", introspection, sourceMap)

		assert.Len(t, introspection.Settings, 2)

		// Find specific settings
		var retrySetting, timeoutSetting *SettingInfo
		for i := range introspection.Settings {
			if introspection.Settings[i].Key == "queue.max_retries" {
				retrySetting = &introspection.Settings[i]
			}
			if introspection.Settings[i].Key == "queue.progress_timeout_seconds" {
				timeoutSetting = &introspection.Settings[i]
			}
		}

		require.NotNil(t, retrySetting)
		require.NotNil(t, timeoutSetting)

		assert.Equal(t, SourceUser, retrySetting.Source)
		assert.Equal(t, 3, retrySetting.Value)

		assert.Equal(t, SourceUserUI, timeoutSetting.Source)
		assert.Equal(t, 60, timeoutSetting.Value)
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("WEFT_QUEUE_MAX_RETRIES", "5")

		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"max_retries": 3, // Config file value
			},
		}

		sourceMap := map[string]SourceInfo{
			"queue.max_retries": {
				Source: SourceUser,
				Path:   "/home/user/.weft/weft.toml",
			},
		}

		introspection := &ConfigIntrospection{Settings: make([]SettingInfo, 0)}
		flattenSettingsWithSources(settings, "", introspection, sourceMap)

		require.Len(t, introspection.Settings, 1)
		setting := introspection.Settings[0]

		// Environment variable should override
		assert.Equal(t, SourceEnvironment, setting.Source)
		assert.Equal(t, "WEFT_QUEUE_MAX_RETRIES", setting.SourcePath)
	})

	t.Run("Default source for unmapped settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"max_retries": 3,
			},
		}

		// Empty source map - setting should get SourceDefault
		sourceMap := make(map[string]SourceInfo)

		introspection := &ConfigIntrospection{Settings: make([]SettingInfo, 0)}
		flattenSettingsWithSources(settings, "", introspection, sourceMap)

		require.Len(t, introspection.Settings, 1)
		setting := introspection.Settings[0]

		assert.Equal(t, SourceDefault, setting.Source)
		assert.Equal(t, "built-in default", setting.SourcePath)
	})
}

func TestBuildSourceMap(t *testing.T) {
	t.Run("Environment variable precedence", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "weft.toml")

		// Create config file
		configContent := `
[queue]
max_retries = 3
sweep_interval_seconds = 10
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		t.Setenv("WEFT_QUEUE_MAX_RETRIES", "7")

		sourceMap := make(map[string]SourceInfo)

		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"max_retries":            3,
				"sweep_interval_seconds": 10,
			},
		}

		markSettingsFromSource(settings, "", SourceUser, configPath, sourceMap)

		// Check for environment variable override
		for key := range sourceMap {
			envKey := "WEFT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if os.Getenv(envKey) != "" {
				sourceMap[key] = SourceInfo{
					Source: SourceEnvironment,
					Path:   envKey,
				}
			}
		}

		// Verify environment variable overrode file
		assert.Equal(t, SourceEnvironment, sourceMap["queue.max_retries"].Source)
		assert.Equal(t, "WEFT_QUEUE_MAX_RETRIES", sourceMap["queue.max_retries"].Path)

		// Verify non-env setting still has file source
		assert.Equal(t, SourceUser, sourceMap["queue.sweep_interval_seconds"].Source)
		assert.Equal(t, configPath, sourceMap["queue.sweep_interval_seconds"].Path)
	})
}

func TestConfigSourceConstants(t *testing.T) {
	// Verify source constants are correctly defined
	assert.Equal(t, ConfigSource("default"), SourceDefault)
	assert.Equal(t, ConfigSource("system"), SourceSystem)
	assert.Equal(t, ConfigSource("user"), SourceUser)
	assert.Equal(t, ConfigSource("user_ui"), SourceUserUI)
	assert.Equal(t, ConfigSource("project"), SourceProject)
	assert.Equal(t, ConfigSource("environment"), SourceEnvironment)
}

func TestGetConfigIntrospection(t *testing.T) {
	t.Run("Integration test with env var override", func(t *testing.T) {
		Reset()
		defer Reset()

		// Isolate from the host's real config files
		tempDir := t.TempDir()
		t.Setenv("HOME", tempDir)
		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(tempDir)

		// Set environment variable to override a setting
		t.Setenv("WEFT_QUEUE_SWEEP_INTERVAL_SECONDS", "99")

		// Get introspection
		introspection, err := GetConfigIntrospection()
		require.NoError(t, err)
		require.NotNil(t, introspection)

		// Build map of settings for easier verification
		settingsByKey := make(map[string]SettingInfo)
		for _, setting := range introspection.Settings {
			settingsByKey[setting.Key] = setting
		}

		// Verify environment variable override is detected
		sweepSetting, ok := settingsByKey["queue.sweep_interval_seconds"]
		require.True(t, ok, "queue.sweep_interval_seconds should be in introspection")
		assert.Equal(t, SourceEnvironment, sweepSetting.Source)
		assert.Equal(t, "WEFT_QUEUE_SWEEP_INTERVAL_SECONDS", sweepSetting.SourcePath)

		assert.NotEmpty(t, introspection.Settings, "Settings should not be empty")

		// Verify settings are in deterministic order (sorted keys)
		lastKey := ""
		for _, setting := range introspection.Settings {
			if lastKey != "" {
				assert.True(t, setting.Key >= lastKey,
					"Settings should be in sorted order: %s should be >= %s", setting.Key, lastKey)
			}
			lastKey = setting.Key
		}

		// Verify all sources are recognized ConfigSource values
		validSources := map[ConfigSource]bool{
			SourceDefault:     true,
			SourceSystem:      true,
			SourceUser:        true,
			SourceUserUI:      true,
			SourceProject:     true,
			SourceEnvironment: true,
		}
		for _, setting := range introspection.Settings {
			assert.True(t, validSources[setting.Source],
				"Setting %s has invalid source: %s", setting.Key, setting.Source)
		}
	})
}
