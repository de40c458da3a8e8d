package am

import "github.com/spf13/viper"

// DefaultDatabasePath is used when database.path is not configured
const DefaultDatabasePath = "metis.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("orchestrator.poll_interval_ms", 1000)
	v.SetDefault("orchestrator.deadline_seconds", 0)

	v.SetDefault("substrate.workers", 2)
	v.SetDefault("substrate.poll_interval_ms", 500)
	v.SetDefault("substrate.max_active", 64)
	v.SetDefault("substrate.submissions_per_second", 0.0)
	v.SetDefault("substrate.submission_burst", 1)

	v.SetDefault("steps.chunk_size", 100)
	v.SetDefault("steps.chunk_workers", 4)

	v.SetDefault("cleanup.retention_days", 7)
	v.SetDefault("cleanup.interval_minutes", 60)

	v.SetDefault("events.enabled", false)

	v.SetDefault("harvest.timeout_seconds", 60)
	v.SetDefault("harvest.allow_private_networks", false)
	v.SetDefault("harvest.user_agent", "") // empty: metis-harvester/<version>
}

// BindEnvVars binds the settings most often overridden in deployments
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "METIS_DATABASE_PATH")
	_ = v.BindEnv("substrate.workers", "METIS_SUBSTRATE_WORKERS")
	_ = v.BindEnv("cleanup.retention_days", "METIS_CLEANUP_RETENTION_DAYS")
}
