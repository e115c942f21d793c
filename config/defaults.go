package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "weft.db")
	v.SetDefault("database.busy_timeout_ms", 5000) // Wait for the writer instead of failing with SQLITE_BUSY

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.log_theme", "everforest")
	v.SetDefault("server.min_worker_version", "") // Accept any worker version
	v.SetDefault("server.stats_interval_seconds", 5)
	v.SetDefault("server.heartbeat_interval_seconds", 30)
	v.SetDefault("server.chunk_size_bytes", DefaultChunkSize)
	v.SetDefault("server.submit_rate_per_minute", 0) // Unlimited

	// Queue defaults
	v.SetDefault("queue.assign_timeout_seconds", 30)   // Worker must accept within this window
	v.SetDefault("queue.progress_timeout_seconds", 60) // Running jobs must report within this window
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.match_scan_limit", 200) // Bounded matcher scan per claim
	v.SetDefault("queue.sweep_interval_seconds", 10)
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("queue.max_queue_depth", 0) // Unbounded

	// Worker defaults
	v.SetDefault("worker.id", "") // Generated at startup when empty
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.type", "")
	v.SetDefault("worker.server_url", "ws://localhost:7770")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.heartbeat_interval_seconds", 30)
	v.SetDefault("worker.services", []string{})
	v.SetDefault("worker.components", []string{})
	v.SetDefault("worker.workflows", []string{})
	v.SetDefault("worker.customer_id", "")
	v.SetDefault("worker.customer_access", []string{})
	v.SetDefault("worker.gpu_memory_gb", 0)
	v.SetDefault("worker.gpu_count", 0)
	v.SetDefault("worker.cpu_cores", 0) // Detected from the host when 0
	v.SetDefault("worker.ram_gb", 0)    // Detected from the host when 0
	v.SetDefault("worker.connectors", "")

	// Machine status defaults
	v.SetDefault("machine.publish_interval_seconds", 60)
	v.SetDefault("machine.sample_interval_seconds", 5)
	v.SetDefault("machine.cpu_delta_percent", 10.0)    // Publish immediately on a 10 point CPU swing
	v.SetDefault("machine.memory_delta_percent", 10.0) // Publish immediately on a 10 point memory swing

	// Client defaults
	v.SetDefault("client.server_url", "http://localhost:7770")
	v.SetDefault("client.timeout_seconds", 30)

	// Service tag map defaults
	v.SetDefault("tags.path", "") // ~/.weft/service_tags.yaml when present
}

// BindSensitiveEnvVars explicitly binds deployment-sensitive configuration
// to environment variables, including short aliases that the dotted-key
// replacer cannot produce
func BindSensitiveEnvVars(v *viper.Viper) {
	// Database path
	v.BindEnv("database.path", "WEFT_DATABASE_PATH", "WEFT_DB_PATH")

	// Server URLs for processes pointed at a remote queue
	v.BindEnv("worker.server_url", "WEFT_WORKER_SERVER_URL", "WEFT_SERVER_URL")
	v.BindEnv("client.server_url", "WEFT_CLIENT_SERVER_URL", "WEFT_SERVER_URL")

	// Customer identity is deploy-time, not something to commit to a config file
	v.BindEnv("worker.customer_id", "WEFT_WORKER_CUSTOMER_ID", "WEFT_CUSTOMER_ID")
}

// GetServerPort returns the configured weft server port
// Returns server.port from config, or DefaultServerPort (7770) if not configured
func GetServerPort() int {
	cfg, err := Load()
	if err != nil || cfg.Server.Port == nil || *cfg.Server.Port == 0 {
		return DefaultServerPort
	}
	return *cfg.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "weft.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// GetServerLogTheme returns the log theme (default: everforest)
func (c *Config) GetServerLogTheme() string {
	if c.Server.LogTheme == "" {
		return "everforest"
	}
	return c.Server.LogTheme
}

// GetQueueConfig returns the queue configuration with defaults applied.
// Zero timeouts and sweep intervals are replaced because the watchdog
// cannot run without them; zero max_retries and retention_days are kept
// as-is since zero is meaningful there (no retries, keep forever).
func (c *Config) GetQueueConfig() QueueConfig {
	cfg := c.Queue

	if cfg.AssignTimeoutSeconds == 0 {
		cfg.AssignTimeoutSeconds = 30
	}
	if cfg.ProgressTimeoutSeconds == 0 {
		cfg.ProgressTimeoutSeconds = 60
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 10
	}

	return cfg
}

// AssignTimeout returns the accept window as a duration
func (q QueueConfig) AssignTimeout() time.Duration {
	return time.Duration(q.AssignTimeoutSeconds) * time.Second
}

// ProgressTimeout returns the progress silence window as a duration
func (q QueueConfig) ProgressTimeout() time.Duration {
	return time.Duration(q.ProgressTimeoutSeconds) * time.Second
}

// SweepInterval returns the watchdog cadence as a duration
func (q QueueConfig) SweepInterval() time.Duration {
	return time.Duration(q.SweepIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the server-side heartbeat expectation.
// Connections silent for twice this long are evicted.
func (s ServerConfig) HeartbeatInterval() time.Duration {
	if s.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// StatsInterval returns the stats broadcast floor
func (s ServerConfig) StatsInterval() time.Duration {
	if s.StatsIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.StatsIntervalSeconds) * time.Second
}

// ChunkSize returns the wire chunk size in bytes
func (s ServerConfig) ChunkSize() int {
	if s.ChunkSizeBytes <= 0 {
		return DefaultChunkSize
	}
	return s.ChunkSizeBytes
}

// HeartbeatInterval returns how often the worker heartbeats
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	if w.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

// SampleInterval returns the hardware sampling cadence
func (m MachineConfig) SampleInterval() time.Duration {
	if m.SampleIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.SampleIntervalSeconds) * time.Second
}

// PublishInterval returns the periodic publish floor.
// Zero means publish on change only.
func (m MachineConfig) PublishInterval() time.Duration {
	return time.Duration(m.PublishIntervalSeconds) * time.Second
}

// Timeout returns the client HTTP timeout
func (c ClientConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	port := DefaultServerPort
	if c.Server.Port != nil {
		port = *c.Server.Port
	}
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d, LogTheme: %s}, Worker: {Concurrency: %d}}",
		c.Database.Path, port, c.Server.LogTheme, c.Worker.Concurrency)
}
