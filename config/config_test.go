package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/weft/internal/util"
)

func TestLoad_Defaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	// Load config from isolated viper
	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	// Check default values are applied
	if cfg.Database.Path != "weft.db" {
		t.Errorf("expected default database path 'weft.db', got %q", cfg.Database.Path)
	}

	if cfg.Server.Port == nil || *cfg.Server.Port != DefaultServerPort {
		t.Errorf("expected default port %d, got %v", DefaultServerPort, cfg.Server.Port)
	}

	if cfg.Queue.AssignTimeoutSeconds != 30 {
		t.Errorf("expected default assign timeout 30, got %d", cfg.Queue.AssignTimeoutSeconds)
	}

	if cfg.Worker.Concurrency != 1 {
		t.Errorf("expected default concurrency 1, got %d", cfg.Worker.Concurrency)
	}

	if cfg.Worker.ServerURL != "ws://localhost:7770" {
		t.Errorf("expected default worker server URL, got %q", cfg.Worker.ServerURL)
	}
}

func TestValidate_ZeroValues(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "zero concurrency is valid (drain mode)",
			config: Config{
				Worker: WorkerConfig{Concurrency: 0},
			},
			wantErr: false,
		},
		{
			name: "negative concurrency is invalid",
			config: Config{
				Worker: WorkerConfig{Concurrency: -1},
			},
			wantErr: true,
		},
		{
			name: "zero assign timeout is valid (default at use site)",
			config: Config{
				Queue: QueueConfig{AssignTimeoutSeconds: 0},
			},
			wantErr: false,
		},
		{
			name: "negative assign timeout is invalid",
			config: Config{
				Queue: QueueConfig{AssignTimeoutSeconds: -1},
			},
			wantErr: true,
		},
		{
			name: "zero submit rate is valid (unlimited)",
			config: Config{
				Server: ServerConfig{SubmitRatePerMinute: 0},
			},
			wantErr: false,
		},
		{
			name: "negative submit rate is invalid",
			config: Config{
				Server: ServerConfig{SubmitRatePerMinute: -1},
			},
			wantErr: true,
		},
		{
			name: "zero retention is valid (keep forever)",
			config: Config{
				Queue: QueueConfig{RetentionDays: 0},
			},
			wantErr: false,
		},
		{
			name: "negative retention is invalid",
			config: Config{
				Queue: QueueConfig{RetentionDays: -1},
			},
			wantErr: true,
		},
		{
			name: "explicit zero port is invalid",
			config: Config{
				Server: ServerConfig{Port: util.Ptr(0)},
			},
			wantErr: true,
		},
		{
			name: "negative port is invalid",
			config: Config{
				Server: ServerConfig{Port: util.Ptr(-1)},
			},
			wantErr: true,
		},
		{
			name: "nil port is valid (default)",
			config: Config{
				Server: ServerConfig{Port: nil},
			},
			wantErr: false,
		},
		{
			name: "malformed min worker version is invalid",
			config: Config{
				Server: ServerConfig{MinWorkerVersion: "not-a-version"},
			},
			wantErr: true,
		},
		{
			name: "valid min worker version",
			config: Config{
				Server: ServerConfig{MinWorkerVersion: "1.2.3"},
			},
			wantErr: false,
		},
		{
			name: "empty database path is valid",
			config: Config{
				Database: DatabaseConfig{Path: ""},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	// Verify critical defaults are set
	tests := []struct {
		key      string
		expected interface{}
	}{
		{"database.path", "weft.db"},
		{"server.port", DefaultServerPort},
		{"server.log_theme", "everforest"},
		{"server.chunk_size_bytes", DefaultChunkSize},
		{"queue.assign_timeout_seconds", 30},
		{"queue.progress_timeout_seconds", 60},
		{"queue.max_retries", 3},
		{"queue.match_scan_limit", 200},
		{"worker.concurrency", 1},
		{"worker.server_url", "ws://localhost:7770"},
		{"client.timeout_seconds", 30},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := v.Get(tt.key)
			if got != tt.expected {
				t.Errorf("default %s = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	// Create temporary directory structure
	tmpDir := t.TempDir()

	// Test 1: weft.toml preferred over config.toml
	t.Run("prefers weft.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)

		// Create both config files
		os.WriteFile(filepath.Join(tmpDir, "test1", "weft.toml"), []byte(""), DefaultFilePermissions)
		os.WriteFile(filepath.Join(tmpDir, "test1", "config.toml"), []byte(""), DefaultFilePermissions)

		// Change to subdirectory
		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if result == "" {
			t.Error("expected to find config file")
		}
		if !filepath.IsAbs(result) {
			t.Error("expected absolute path")
		}
		if filepath.Base(result) != "weft.toml" {
			t.Errorf("expected weft.toml, got %s", filepath.Base(result))
		}
	})

	// Test 2: Falls back to config.toml if weft.toml not present
	t.Run("fallback to config.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)

		// Create only config.toml
		os.WriteFile(filepath.Join(tmpDir, "test2", "config.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if result == "" {
			t.Error("expected to find config file")
		}
		if filepath.Base(result) != "config.toml" {
			t.Errorf("expected config.toml, got %s", filepath.Base(result))
		}
	})

	// Test 3: Returns empty string when no config found
	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test3", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})
}

func TestGetServerPort(t *testing.T) {
	// Reset global state and isolate from the host's real config files
	Reset()
	defer Reset()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(tmpDir)

	// Test default behavior
	port := GetServerPort()
	if port != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, port)
	}
}

func TestGetDatabasePath(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	path := cfg.GetDatabasePath()
	if path != "weft.db" {
		t.Errorf("expected default path 'weft.db', got %q", path)
	}
}

func TestGetQueueConfig_Defaults(t *testing.T) {
	// Zero-value config: timing fields get defaults, meaningful zeros survive
	cfg := Config{}
	queue := cfg.GetQueueConfig()

	if queue.AssignTimeoutSeconds != 30 {
		t.Errorf("expected assign timeout 30, got %d", queue.AssignTimeoutSeconds)
	}
	if queue.ProgressTimeoutSeconds != 60 {
		t.Errorf("expected progress timeout 60, got %d", queue.ProgressTimeoutSeconds)
	}
	if queue.SweepIntervalSeconds != 10 {
		t.Errorf("expected sweep interval 10, got %d", queue.SweepIntervalSeconds)
	}

	// Zero max_retries means no retries, not "use default"
	if queue.MaxRetries != 0 {
		t.Errorf("expected max retries to stay 0, got %d", queue.MaxRetries)
	}

	if queue.AssignTimeout() != 30*time.Second {
		t.Errorf("expected assign timeout duration 30s, got %v", queue.AssignTimeout())
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{}
	if server.HeartbeatInterval() != 30*time.Second {
		t.Errorf("expected default heartbeat 30s, got %v", server.HeartbeatInterval())
	}
	if server.ChunkSize() != DefaultChunkSize {
		t.Errorf("expected default chunk size %d, got %d", DefaultChunkSize, server.ChunkSize())
	}

	machine := MachineConfig{PublishIntervalSeconds: 0}
	if machine.PublishInterval() != 0 {
		t.Errorf("expected zero publish interval to stay 0 (change-driven), got %v", machine.PublishInterval())
	}
	if machine.SampleInterval() != 5*time.Second {
		t.Errorf("expected default sample interval 5s, got %v", machine.SampleInterval())
	}

	worker := WorkerConfig{HeartbeatIntervalSeconds: 10}
	if worker.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected heartbeat 10s, got %v", worker.HeartbeatInterval())
	}
}
