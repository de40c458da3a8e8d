package am

import "github.com/teranos/metis/errors"

// Validate checks that the configuration is valid.
// Zero means "disabled" or "unlimited" where the field docs say so; negative is always invalid.
func (c *Config) Validate() error {
	if c.Orchestrator.PollIntervalMS <= 0 {
		return errors.Newf("orchestrator.poll_interval_ms must be > 0, got %d", c.Orchestrator.PollIntervalMS)
	}
	if c.Orchestrator.DeadlineSeconds < 0 {
		return errors.Newf("orchestrator.deadline_seconds must be >= 0, got %d", c.Orchestrator.DeadlineSeconds)
	}

	if c.Substrate.Workers < 0 {
		return errors.Newf("substrate.workers must be >= 0, got %d", c.Substrate.Workers)
	}
	if c.Substrate.PollIntervalMS <= 0 {
		return errors.Newf("substrate.poll_interval_ms must be > 0, got %d", c.Substrate.PollIntervalMS)
	}
	if c.Substrate.MaxActive < 0 {
		return errors.Newf("substrate.max_active must be >= 0, got %d", c.Substrate.MaxActive)
	}
	if c.Substrate.SubmissionsPerSecond < 0 {
		return errors.Newf("substrate.submissions_per_second must be >= 0, got %f", c.Substrate.SubmissionsPerSecond)
	}
	if c.Substrate.SubmissionsPerSecond > 0 && c.Substrate.SubmissionBurst < 1 {
		return errors.Newf("substrate.submission_burst must be >= 1 when rate limiting, got %d", c.Substrate.SubmissionBurst)
	}

	if c.Steps.ChunkSize <= 0 {
		return errors.Newf("steps.chunk_size must be > 0, got %d", c.Steps.ChunkSize)
	}
	if c.Steps.ChunkWorkers <= 0 {
		return errors.Newf("steps.chunk_workers must be > 0, got %d", c.Steps.ChunkWorkers)
	}

	if c.Cleanup.RetentionDays < 0 {
		return errors.Newf("cleanup.retention_days must be >= 0, got %d", c.Cleanup.RetentionDays)
	}
	if c.Cleanup.IntervalMinutes < 0 {
		return errors.Newf("cleanup.interval_minutes must be >= 0, got %d", c.Cleanup.IntervalMinutes)
	}

	if c.Harvest.TimeoutSeconds <= 0 {
		return errors.Newf("harvest.timeout_seconds must be > 0, got %d", c.Harvest.TimeoutSeconds)
	}

	return nil
}
