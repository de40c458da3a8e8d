package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, time.Second, cfg.Orchestrator.PollInterval())
	assert.Zero(t, cfg.Orchestrator.Deadline())
	assert.Equal(t, 2, cfg.Substrate.Workers)
	assert.Equal(t, 64, cfg.Substrate.MaxActive)
	assert.Equal(t, 100, cfg.Steps.ChunkSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Cleanup.Retention())
	assert.Equal(t, time.Hour, cfg.Cleanup.Interval())
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, time.Minute, cfg.Harvest.Timeout())
	assert.False(t, cfg.Harvest.AllowPrivateNetworks)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers disables pool", func(c *Config) { c.Substrate.Workers = 0 }, ""},
		{"negative workers", func(c *Config) { c.Substrate.Workers = -1 }, "substrate.workers"},
		{"zero poll interval", func(c *Config) { c.Orchestrator.PollIntervalMS = 0 }, "orchestrator.poll_interval_ms"},
		{"negative deadline", func(c *Config) { c.Orchestrator.DeadlineSeconds = -5 }, "orchestrator.deadline_seconds"},
		{"negative capacity", func(c *Config) { c.Substrate.MaxActive = -1 }, "substrate.max_active"},
		{"rate without burst", func(c *Config) {
			c.Substrate.SubmissionsPerSecond = 2
			c.Substrate.SubmissionBurst = 0
		}, "substrate.submission_burst"},
		{"zero chunk size", func(c *Config) { c.Steps.ChunkSize = 0 }, "steps.chunk_size"},
		{"negative retention", func(c *Config) { c.Cleanup.RetentionDays = -1 }, "cleanup.retention_days"},
		{"zero harvest timeout", func(c *Config) { c.Harvest.TimeoutSeconds = 0 }, "harvest.timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[database]
path = "/var/lib/metis/pipeline.db"

[orchestrator]
deadline_seconds = 3600

[cleanup]
retention_days = 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/metis/pipeline.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Orchestrator.Deadline())
	assert.Equal(t, 30, cfg.Cleanup.RetentionDays)
	// untouched sections keep defaults
	assert.Equal(t, 1000, cfg.Orchestrator.PollIntervalMS)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[steps]\nchunk_size = -3\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps.chunk_size")
}

func TestRenderRoundTrip(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Cleanup.RetentionDays = 3
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	require.NoError(t, cfg.WriteFile(path))
	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	err = cfg.WriteFile(path)
	require.Error(t, err, "existing file must not be overwritten")
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[cleanup]\nretention_days = 1\n"), 0644))

	watcher, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	watcher.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	watcher.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	watcher.Start()
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[cleanup]\nretention_days = 9\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Cleanup.RetentionDays)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not picked up")
	}
}
