package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/teranos/weft/config"
	"gopkg.in/yaml.v3"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage weft configuration",
	Long: `Display and manage weft configuration settings.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (WEFT_* prefix)
3. Project config (./weft.toml or ./config.toml)
4. UI-managed config (~/.weft/weft_from_ui.toml)
5. User config (~/.weft/weft.toml or ~/.weft/config.toml)
6. System config (/etc/weft/config.toml)
7. Default values

Examples:
  weft config show                  # Show current configuration
  weft config show --format json    # Show configuration in JSON format
  weft config get database.path     # Get specific config value
  weft config validate              # Validate current configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current weft configuration from all sources",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, worker.concurrency)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current weft configuration is valid",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were checked.

Lists all configuration sources in order of precedence, showing
which files exist and which are missing.`,
	RunE: runConfigWhere,
}

var configFormat string

func init() {
	// Add flags
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	// Add subcommands
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Marshal to requested format
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# weft configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# weft configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	// Check if key exists in configuration
	v := config.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	// Get the value as interface{} to preserve type
	value := config.Get(key)
	fmt.Println(value)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	// Get the full introspection data
	intro, err := config.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	// Show config cascade header
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/weft/config.toml")
	fmt.Println("  3. [USER]     ~/.weft/config.toml (backward compat)")
	fmt.Println("  4. [USER]     ~/.weft/weft.toml (preferred)")
	fmt.Println("  5. [USER_UI]  ~/.weft/weft_from_ui.toml")
	fmt.Println("  6. [PROJECT]  ./weft.toml or ./config.toml (searches up directories)")
	fmt.Println("  7. [ENV]      WEFT_* environment variables")
	fmt.Println()

	// Group settings by actual file path (to distinguish config.toml from weft.toml)
	type fileGroup struct {
		source   config.ConfigSource
		path     string
		settings []config.SettingInfo
	}

	// Map from path to settings
	settingsByPath := make(map[string]*fileGroup)

	// Group settings by their actual source file
	for _, setting := range intro.Settings {
		key := setting.SourcePath
		if key == "" {
			// For defaults and env vars, use source as key
			key = string(setting.Source)
		}

		if group, exists := settingsByPath[key]; exists {
			group.settings = append(group.settings, setting)
		} else {
			settingsByPath[key] = &fileGroup{
				source:   setting.Source,
				path:     setting.SourcePath,
				settings: []config.SettingInfo{setting},
			}
		}
	}

	// Define source order for consistent output
	sourceOrder := []config.ConfigSource{
		config.SourceDefault,
		config.SourceSystem,
		config.SourceUser,
		config.SourceUserUI,
		config.SourceProject,
		config.SourceEnvironment,
	}

	// Show active sources with their settings
	fmt.Println("Active configuration:")
	for _, source := range sourceOrder {
		// Collect and sort file groups for this source level
		var groups []*fileGroup
		for _, group := range settingsByPath {
			if group.source == source && len(group.settings) > 0 {
				groups = append(groups, group)
			}
		}

		// Sort groups so config.toml appears before weft.toml
		sort.Slice(groups, func(i, j int) bool {
			// Special case for default/env (empty paths)
			if groups[i].path == "" {
				return true
			}
			if groups[j].path == "" {
				return false
			}
			// Put config.toml before weft.toml at same level
			iBase := filepath.Base(groups[i].path)
			jBase := filepath.Base(groups[j].path)
			if iBase == "config.toml" && jBase == "weft.toml" {
				return true
			}
			if iBase == "weft.toml" && jBase == "config.toml" {
				return false
			}
			return groups[i].path < groups[j].path
		})

		// Print each group
		for _, group := range groups {
			// Print source header
			if group.path != "" && group.path != "built-in default" {
				fmt.Printf("\n%s: %d settings from %s\n", source, len(group.settings), group.path)
			} else if source == config.SourceEnvironment {
				fmt.Printf("\n%s: %d settings from environment variables\n", source, len(group.settings))
			} else if source == config.SourceDefault {
				fmt.Printf("\n%s: %d settings\n", source, len(group.settings))
			}

			// Print each setting
			for _, setting := range group.settings {
				// Format the value for display
				valueStr := fmt.Sprintf("%v", setting.Value)
				// Truncate long values
				if len(valueStr) > 50 {
					valueStr = valueStr[:47] + "..."
				}
				fmt.Printf("  %s = %s\n", setting.Key, valueStr)
			}
		}
	}

	return nil
}
