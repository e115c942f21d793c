package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/weft/logger"
)

var globalConfig *Config
var viperInstance *viper.Viper

// ConfigSources records where each setting's effective value came from
// during the last load. Keys are dotted setting names. Rebuilt on every
// Reset/Load cycle; introspection reads it instead of re-deriving.
var ConfigSources = make(map[string]SourceInfo)

// Load reads the weft configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = make(map[string]SourceInfo)
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific sensitive configuration values to environment variables
	BindSensitiveEnvVars(v)

	// Set defaults first and record them as the baseline source
	SetDefaults(v)
	sources := make(map[string]SourceInfo)
	markSettingsFromSource(v.AllSettings(), "", SourceDefault, "", sources)

	// Merge config files in precedence order: system -> user -> project.
	// Environment variables stay above all files because the merge goes
	// through MergeConfigMap rather than Set.
	mergeConfigFiles(v, sources)
	ConfigSources = sources

	viperInstance = v
	return v
}

// findProjectConfig searches for weft.toml or config.toml by walking up the directory tree
// Returns the path to the first config file found, or empty string if none found
// Preference order: weft.toml > config.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Walk up the directory tree looking for config files
	for {
		// Check for weft.toml first
		weftPath := filepath.Join(dir, "weft.toml")
		if _, err := os.Stat(weftPath); err == nil {
			return weftPath
		}

		// Fall back to config.toml
		configPath := filepath.Join(dir, "config.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// ActiveConfigFile returns the highest-precedence config file currently on
// disk, or "" when none exists. The watcher follows this file because its
// edits are the ones that change effective settings.
func ActiveConfigFile() string {
	if projectConfig := findProjectConfig(); projectConfig != "" {
		return projectConfig
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		weftDir := filepath.Join(homeDir, ".weft")
		for _, name := range []string{"weft_from_ui.toml", "weft.toml", "config.toml"} {
			path := filepath.Join(weftDir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	if _, err := os.Stat("/etc/weft/config.toml"); err == nil {
		return "/etc/weft/config.toml"
	}
	return ""
}

// configLayer pairs a config file path with the source it is tracked as
type configLayer struct {
	path   string
	source ConfigSource
}

// mergeConfigFiles merges configuration files in the correct precedence order
// and records the source of every setting each file contributes.
// Precedence (lowest to highest): system < user config.toml < user weft.toml
// < UI-managed config < project < env vars. Within the user directory the
// primary name wins over the legacy name.
func mergeConfigFiles(v *viper.Viper, sources map[string]SourceInfo) {
	homeDir, _ := os.UserHomeDir()

	// Ensure ~/.weft directory exists
	weftDir := filepath.Join(homeDir, ".weft")
	os.MkdirAll(weftDir, DefaultDirPermissions)

	layers := []configLayer{
		{"/etc/weft/config.toml", SourceSystem},
		{filepath.Join(weftDir, "config.toml"), SourceUser},
		{filepath.Join(weftDir, "weft.toml"), SourceUser},
		{filepath.Join(weftDir, "weft_from_ui.toml"), SourceUserUI},
	}

	// Add project config if found (highest file precedence, below env vars)
	if projectConfig := findProjectConfig(); projectConfig != "" {
		layers = append(layers, configLayer{projectConfig, SourceProject})
	}

	for _, layer := range layers {
		if _, err := os.Stat(layer.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(layer.path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			logger.Warnw("Skipping unreadable config file",
				"path", layer.path,
				"error", err)
			continue
		}

		settings := tempViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			logger.Warnw("Failed to merge config file",
				"path", layer.path,
				"error", err)
			continue
		}
		markSettingsFromSource(settings, "", layer.source, layer.path, sources)
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	v := initViper()
	return v.Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	v := initViper()
	return v.GetString(key)
}

// GetBool returns a configuration value as bool using dot notation
func GetBool(key string) bool {
	v := initViper()
	return v.GetBool(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	v := initViper()
	return v.GetInt(key)
}

// GetFloat64 returns a configuration value as float64 using dot notation
func GetFloat64(key string) float64 {
	v := initViper()
	return v.GetFloat64(key)
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}
