// Package steps implements record stages on top of the substrate: a chunked
// runner that consumes the previous stage's output, and the reference
// harvest and validation handlers used by metis run.
package steps

import (
	"context"
	"strconv"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
)

// Config sizes chunked processing inside one stage execution
type Config struct {
	ChunkSize    int
	ChunkWorkers int
}

// ConfigFrom maps the steps section of the configuration.
func ConfigFrom(cfg am.StepsConfig) Config {
	return Config{ChunkSize: cfg.ChunkSize, ChunkWorkers: cfg.ChunkWorkers}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize < 1 {
		c.ChunkSize = 100
	}
	if c.ChunkWorkers < 1 {
		c.ChunkWorkers = 1
	}
	return c
}

// chunkSize honours a positive step_size launch parameter
func (c Config) chunkSize(exec *stage.Execution) int {
	if n, err := strconv.Atoi(exec.Param(stage.ParamStepSize)); err == nil && n > 0 {
		return n
	}
	return c.ChunkSize
}

// Output is what a processor produced for one record.
type Output struct {
	// RecordID replaces the record id when set (e.g. a canonical id)
	RecordID string
	// Content replaces the record content when non-nil
	Content  []byte
	Warnings []string
	Tier     *record.TierResult
}

// Processor applies one stage's business logic to one record. An error
// turns that record into a Fail row; it never fails the stage.
type Processor interface {
	Process(ctx context.Context, in record.Success) (Output, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, in record.Success) (Output, error)

func (f ProcessorFunc) Process(ctx context.Context, in record.Success) (Output, error) {
	return f(ctx, in)
}

// Summary counts what one stage execution did.
type Summary struct {
	Read       int
	Written    int
	Failed     int
	Duplicates int
	// Patterns holds the counter totals of the run's execution point by
	// category; nil when the runner keeps no counters.
	Patterns map[string]int64
}

func (s *Summary) add(r record.WriteResult) {
	s.Written += r.Written
	s.Failed += r.Failed
	s.Duplicates += r.Duplicates
}
