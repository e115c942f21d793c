package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/weft/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Log deletion failures (but don't fail config save)
		fmt.Printf("⚠️  Failed to delete old backup %s: %v\n", back3, err)
	}

	// Rotate .back2 to .back3
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	// Rotate .back1 to .back2
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetUIConfigPath returns the path to the UI-managed config file in ~/.weft/weft_from_ui.toml
func GetUIConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".weft", "weft_from_ui.toml")
}

// loadOrInitializeUIConfig loads the UI config file, or creates an empty one if it doesn't exist
func loadOrInitializeUIConfig() (map[string]interface{}, string, error) {
	configPath := GetUIConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	// Ensure ~/.weft directory exists
	weftDir := filepath.Dir(configPath)
	if err := os.MkdirAll(weftDir, 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .weft directory")
	}

	// Try to read existing config
	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		// File exists, parse it
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse UI config")
		}
	} else {
		// File doesn't exist, create empty config
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveUIConfig writes the config to the UI config file with backup
func saveUIConfig(config map[string]interface{}, configPath string) error {
	// Create backup
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Marshal to TOML
	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	// Write to file
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write UI config")
	}

	return nil
}

// updateUISetting sets a single section.key value in the UI config file
func updateUISetting(section, key string, value interface{}) error {
	config, configPath, err := loadOrInitializeUIConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load UI config")
	}

	// Get or create the section
	var settings map[string]interface{}
	if s, ok := config[section].(map[string]interface{}); ok {
		settings = s
	} else {
		settings = make(map[string]interface{})
	}

	settings[key] = value
	config[section] = settings

	return saveUIConfig(config, configPath)
}

// UpdateServerLogTheme updates the server.log_theme setting in UI config
func UpdateServerLogTheme(theme string) error {
	return updateUISetting("server", "log_theme", theme)
}

// UpdateQueueMaxRetries updates the queue.max_retries setting in UI config
func UpdateQueueMaxRetries(maxRetries int) error {
	return updateUISetting("queue", "max_retries", maxRetries)
}

// UpdateWorkerConcurrency updates the worker.concurrency setting in UI config
func UpdateWorkerConcurrency(concurrency int) error {
	return updateUISetting("worker", "concurrency", concurrency)
}

// UpdateMachinePublishInterval updates the machine.publish_interval_seconds setting in UI config
func UpdateMachinePublishInterval(seconds int) error {
	return updateUISetting("machine", "publish_interval_seconds", seconds)
}
