// Package am holds the metis configuration: database location, orchestrator
// polling, stage substrate capacity, chunked step sizing, retention cleanup,
// the optional per-record event transport and network harvesting.
package am

import "time"

// Config represents the metis configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" toml:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" toml:"orchestrator"`
	Substrate    SubstrateConfig    `mapstructure:"substrate" toml:"substrate"`
	Steps        StepsConfig        `mapstructure:"steps" toml:"steps"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup" toml:"cleanup"`
	Events       EventsConfig       `mapstructure:"events" toml:"events"`
	Harvest      HarvestConfig      `mapstructure:"harvest" toml:"harvest"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// OrchestratorConfig configures how the orchestrator waits on stage executions
type OrchestratorConfig struct {
	PollIntervalMS  int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"` // Fallback poll when no push notification arrives (default: 1000)
	DeadlineSeconds int `mapstructure:"deadline_seconds" toml:"deadline_seconds"` // 0 = wait until terminal status
}

// SubstrateConfig configures the stage execution substrate
type SubstrateConfig struct {
	Workers              int     `mapstructure:"workers" toml:"workers"`                               // Concurrent stage executions (default: 2)
	PollIntervalMS       int     `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`             // How often idle workers look for queued executions
	MaxActive            int     `mapstructure:"max_active" toml:"max_active"`                         // Queued+running executions before submissions are rejected (0 = unlimited)
	SubmissionsPerSecond float64 `mapstructure:"submissions_per_second" toml:"submissions_per_second"` // 0 = unlimited
	SubmissionBurst      int     `mapstructure:"submission_burst" toml:"submission_burst"`
}

// StepsConfig configures chunked record processing inside one stage
type StepsConfig struct {
	ChunkSize    int `mapstructure:"chunk_size" toml:"chunk_size"`       // Records per read page and write batch
	ChunkWorkers int `mapstructure:"chunk_workers" toml:"chunk_workers"` // Chunks processed concurrently
}

// CleanupConfig configures the periodic dataset retention sweep
type CleanupConfig struct {
	RetentionDays   int `mapstructure:"retention_days" toml:"retention_days"`     // 0 = keep forever
	IntervalMinutes int `mapstructure:"interval_minutes" toml:"interval_minutes"` // 0 = sweeper disabled
}

// EventsConfig configures the per-record event transport
type EventsConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
}

// HarvestConfig configures network harvesting (OAI-PMH)
type HarvestConfig struct {
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`               // Per request
	AllowPrivateNetworks bool   `mapstructure:"allow_private_networks" toml:"allow_private_networks"` // Permit loopback and RFC 1918 endpoints
	UserAgent            string `mapstructure:"user_agent" toml:"user_agent"`
}

// Timeout returns the per-request harvest timeout
func (c HarvestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the orchestrator fallback poll interval
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Deadline returns the completion deadline, zero meaning none
func (c OrchestratorConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// PollInterval returns the worker poll interval
func (c SubstrateConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Retention returns the dataset retention window, zero meaning keep forever
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Interval returns the sweep interval, zero meaning disabled
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
