package config

import (
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "weft.db" per defaults.go
	// No validation needed here

	// SQLite busy timeout: 0 = fail immediately on contention, negative = invalid
	if c.Database.BusyTimeoutMS < 0 {
		return errors.Newf("database.busy_timeout_ms must be >= 0, got %d", c.Database.BusyTimeoutMS)
	}

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 7770)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Minimum worker version must parse as semver when set
	if c.Server.MinWorkerVersion != "" {
		if _, err := semver.NewVersion(c.Server.MinWorkerVersion); err != nil {
			return errors.Wrapf(err, "server.min_worker_version %q is not a valid version", c.Server.MinWorkerVersion)
		}
	}

	// Stats interval: 0 = default at use site, negative = invalid
	if c.Server.StatsIntervalSeconds < 0 {
		return errors.Newf("server.stats_interval_seconds must be >= 0, got %d", c.Server.StatsIntervalSeconds)
	}
	if c.Server.HeartbeatIntervalSeconds < 0 {
		return errors.Newf("server.heartbeat_interval_seconds must be >= 0, got %d", c.Server.HeartbeatIntervalSeconds)
	}
	if c.Server.ChunkSizeBytes < 0 {
		return errors.Newf("server.chunk_size_bytes must be >= 0, got %d", c.Server.ChunkSizeBytes)
	}

	// Rate limit: 0 = unlimited (valid per "zero means zero"), negative = invalid
	if c.Server.SubmitRatePerMinute < 0 {
		return errors.Newf("server.submit_rate_per_minute must be >= 0, got %d", c.Server.SubmitRatePerMinute)
	}

	// Queue timing: 0 = default at use site, negative = invalid
	if c.Queue.AssignTimeoutSeconds < 0 {
		return errors.Newf("queue.assign_timeout_seconds must be >= 0, got %d", c.Queue.AssignTimeoutSeconds)
	}
	if c.Queue.ProgressTimeoutSeconds < 0 {
		return errors.Newf("queue.progress_timeout_seconds must be >= 0, got %d", c.Queue.ProgressTimeoutSeconds)
	}
	if c.Queue.SweepIntervalSeconds < 0 {
		return errors.Newf("queue.sweep_interval_seconds must be >= 0, got %d", c.Queue.SweepIntervalSeconds)
	}

	// Retry budget: 0 = no retries, negative = invalid
	if c.Queue.MaxRetries < 0 {
		return errors.Newf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}

	// Matcher scan: 0 = unbounded, negative = invalid
	if c.Queue.MatchScanLimit < 0 {
		return errors.Newf("queue.match_scan_limit must be >= 0, got %d", c.Queue.MatchScanLimit)
	}

	// Retention: 0 = keep terminal jobs forever, negative = invalid
	if c.Queue.RetentionDays < 0 {
		return errors.Newf("queue.retention_days must be >= 0, got %d", c.Queue.RetentionDays)
	}

	// Worker concurrency: 0 = claim nothing (drain mode), negative = invalid
	if c.Worker.Concurrency < 0 {
		return errors.Newf("worker.concurrency must be >= 0, got %d", c.Worker.Concurrency)
	}
	if c.Worker.HeartbeatIntervalSeconds < 0 {
		return errors.Newf("worker.heartbeat_interval_seconds must be >= 0, got %d", c.Worker.HeartbeatIntervalSeconds)
	}

	// Advertised hardware: 0 = not advertised or detected, negative = invalid
	if c.Worker.GPUMemoryGB < 0 {
		return errors.Newf("worker.gpu_memory_gb must be >= 0, got %d", c.Worker.GPUMemoryGB)
	}
	if c.Worker.GPUCount < 0 {
		return errors.Newf("worker.gpu_count must be >= 0, got %d", c.Worker.GPUCount)
	}
	if c.Worker.CPUCores < 0 {
		return errors.Newf("worker.cpu_cores must be >= 0, got %d", c.Worker.CPUCores)
	}
	if c.Worker.RAMGB < 0 {
		return errors.Newf("worker.ram_gb must be >= 0, got %d", c.Worker.RAMGB)
	}

	// Machine publishing: 0 = change-driven only, negative = invalid
	if c.Machine.PublishIntervalSeconds < 0 {
		return errors.Newf("machine.publish_interval_seconds must be >= 0, got %d", c.Machine.PublishIntervalSeconds)
	}
	if c.Machine.SampleIntervalSeconds < 0 {
		return errors.Newf("machine.sample_interval_seconds must be >= 0, got %d", c.Machine.SampleIntervalSeconds)
	}
	if c.Machine.CPUDeltaPercent < 0 {
		return errors.Newf("machine.cpu_delta_percent must be >= 0, got %f", c.Machine.CPUDeltaPercent)
	}
	if c.Machine.MemoryDeltaPercent < 0 {
		return errors.Newf("machine.memory_delta_percent must be >= 0, got %f", c.Machine.MemoryDeltaPercent)
	}

	// Client timeout: 0 = default at use site, negative = invalid
	if c.Client.TimeoutSeconds < 0 {
		return errors.Newf("client.timeout_seconds must be >= 0, got %d", c.Client.TimeoutSeconds)
	}

	return nil
}
