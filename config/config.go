package config

// Config represents the core weft configuration. One file configures
// every process; the server, workers, and the CLI each read the
// sections they care about and ignore the rest.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Machine  MachineConfig  `mapstructure:"machine"`
	Client   ClientConfig   `mapstructure:"client"`
	Tags     TagsConfig     `mapstructure:"tags"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`            // default: weft.db
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"` // SQLite busy_timeout pragma (default: 5000)
}

// ServerConfig configures the weft queue server
type ServerConfig struct {
	Port                     *int     `mapstructure:"port"`               // Server port: nil = default 7770, 0 is invalid (omit for default)
	AllowedOrigins           []string `mapstructure:"allowed_origins"`    // CORS origins for the HTTP/WebSocket API
	LogTheme                 string   `mapstructure:"log_theme"`          // Color theme: gruvbox, everforest
	MinWorkerVersion         string   `mapstructure:"min_worker_version"` // Reject workers older than this semver ("" = accept all)
	StatsIntervalSeconds     int      `mapstructure:"stats_interval_seconds"`
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds"` // Connections silent for 2x this are evicted
	ChunkSizeBytes           int      `mapstructure:"chunk_size_bytes"`           // Messages above this size are split into chunks (default: 262144)
	SubmitRatePerMinute      int      `mapstructure:"submit_rate_per_minute"`     // Per-client submission rate limit (0 = unlimited)
}

// Server port constants
const (
	DefaultServerPort = 7770 // Above the privileged range, unlikely to collide
)

// DefaultChunkSize is the wire chunk size used when server.chunk_size_bytes
// is not configured. Messages at or below this size travel whole.
const DefaultChunkSize = 256 * 1024

// QueueConfig configures queue timing and retry behavior
type QueueConfig struct {
	AssignTimeoutSeconds   int `mapstructure:"assign_timeout_seconds"`   // assigned jobs not accepted within this window are requeued (default: 30)
	ProgressTimeoutSeconds int `mapstructure:"progress_timeout_seconds"` // running jobs silent for this long are requeued (default: 60)
	MaxRetries             int `mapstructure:"max_retries"`              // default retry budget for jobs that do not set one
	MatchScanLimit         int `mapstructure:"match_scan_limit"`         // pending jobs examined per claim (0 = unbounded, default: 200)
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`   // watchdog sweep cadence (default: 10)
	RetentionDays          int `mapstructure:"retention_days"`           // terminal jobs older than this are purged (0 = keep forever)
	MaxQueueDepth          int `mapstructure:"max_queue_depth"`          // submissions are rejected once this many jobs are queued (0 = unbounded)
}

// WorkerConfig configures a weft worker process
type WorkerConfig struct {
	ID                       string   `mapstructure:"id"`   // stable worker identity ("" = generated at startup)
	Name                     string   `mapstructure:"name"` // human-readable label shown in monitors
	Type                     string   `mapstructure:"type"` // worker type expanded to service tags via the tag map
	ServerURL                string   `mapstructure:"server_url"`
	Concurrency              int      `mapstructure:"concurrency"` // concurrent jobs this worker claims (default: 1)
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds"`
	Services                 []string `mapstructure:"services"`        // service tags advertised directly, in addition to the type expansion
	Components               []string `mapstructure:"components"`      // component names resident on this worker
	Workflows                []string `mapstructure:"workflows"`       // workflow names this worker participates in
	CustomerID               string   `mapstructure:"customer_id"`     // owning customer, compared under strict isolation
	CustomerAccess           []string `mapstructure:"customer_access"` // customers servable under loose isolation
	GPUMemoryGB              int      `mapstructure:"gpu_memory_gb"`   // advertised hardware (0 = not advertised)
	GPUCount                 int      `mapstructure:"gpu_count"`
	CPUCores                 int      `mapstructure:"cpu_cores"` // 0 = detect from the host
	RAMGB                    int      `mapstructure:"ram_gb"`    // 0 = detect from the host
	Connectors               string   `mapstructure:"connectors"` // path to the connector manifest (connectors.toml)
}

// MachineConfig configures machine status publishing
type MachineConfig struct {
	PublishIntervalSeconds int               `mapstructure:"publish_interval_seconds"` // periodic publish floor (0 = change-driven only)
	SampleIntervalSeconds  int               `mapstructure:"sample_interval_seconds"`  // hardware sampling cadence (default: 5)
	CPUDeltaPercent        float64           `mapstructure:"cpu_delta_percent"`        // CPU swing that forces an immediate publish (default: 10)
	MemoryDeltaPercent     float64           `mapstructure:"memory_delta_percent"`     // memory swing that forces an immediate publish (default: 10)
	Probes                 map[string]string `mapstructure:"probes"`                   // name = "url" of local services to health-check (e.g., ollama = "http://localhost:11434")
}

// ClientConfig configures the CLI and MCP clients
type ClientConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // HTTP request timeout (default: 30)
}

// TagsConfig locates the service tag map
type TagsConfig struct {
	Path string `mapstructure:"path"` // path to service_tags.yaml ("" = ~/.weft/service_tags.yaml when present)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
	ExecutablePermissions  = 0755 // Executable file permissions (rwxr-xr-x)
)
