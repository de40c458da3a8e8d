package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
)

// ExecutionCleaner prunes terminal stage executions. *stage.Queue
// implements it.
type ExecutionCleaner interface {
	CleanupOld(ctx context.Context, olderThan time.Duration) (int, error)
}

// SweepConfig says what the sweeper removes and how often.
type SweepConfig struct {
	Retention time.Duration // datasets older than this are removed; 0 keeps all
	Interval  time.Duration // 0 disables the periodic sweep
}

// SweepConfigFrom maps the cleanup section of the configuration.
func SweepConfigFrom(cfg am.CleanupConfig) SweepConfig {
	return SweepConfig{Retention: cfg.Retention(), Interval: cfg.Interval()}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Removed    []string
	Failed     map[string]error
	Executions int
}

// Sweeper periodically removes datasets past retention and prunes old
// terminal executions.
type Sweeper struct {
	remover  *Remover
	datasets *dataset.Store
	cleaner  ExecutionCleaner
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	cfg      SweepConfig
	reconfig chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper; cleaner may be nil.
func NewSweeper(ctx context.Context, remover *Remover, datasets *dataset.Store, cleaner ExecutionCleaner, cfg SweepConfig, log *zap.SugaredLogger) *Sweeper {
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		remover:  remover,
		datasets: datasets,
		cleaner:  cleaner,
		logger:   log.Named("sweeper"),
		cfg:      cfg,
		reconfig: make(chan struct{}, 1),
		ctx:      sweepCtx,
		cancel:   cancel,
	}
}

// Config returns the current settings.
func (s *Sweeper) Config() SweepConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure swaps the settings of a running sweeper. A changed interval
// takes effect immediately.
func (s *Sweeper) Reconfigure(cfg SweepConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.reconfig <- struct{}{}:
	default:
	}
	s.logger.Infow("Sweeper reconfigured", "retention", cfg.Retention, "interval", cfg.Interval)
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Sweeper started", "interval", s.Config().Interval)
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	for {
		// a nil channel never fires, which parks a disabled sweeper
		var tick <-chan time.Time
		var ticker *time.Ticker
		if interval := s.Config().Interval; interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}

		select {
		case <-s.ctx.Done():
			stopTicker(ticker)
			return
		case <-s.reconfig:
			stopTicker(ticker)
		case <-tick:
			stopTicker(ticker)
			if _, err := s.Sweep(s.ctx); err != nil {
				s.logger.Warnw("Sweep error", logger.FieldError, err)
			}
		}
	}
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

// Sweep runs one pass now. Per-dataset failures are logged and collected;
// the pass continues with the next dataset.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	cfg := s.Config()
	res := &SweepResult{Failed: make(map[string]error)}
	if cfg.Retention <= 0 {
		return res, nil
	}

	expired, err := s.datasets.ListCreatedBefore(ctx, time.Now().Add(-cfg.Retention))
	if err != nil {
		return res, errors.Wrap(err, "list expired datasets")
	}

	for _, d := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := s.remover.RemoveDataset(ctx, d.ID); err != nil {
			res.Failed[d.ID] = err
			s.logger.Warnw("Expired dataset not removed",
				logger.FieldDatasetID, d.ID,
				"retryable", errors.IsRetryable(err),
				logger.FieldError, err)
			continue
		}
		res.Removed = append(res.Removed, d.ID)
	}

	if s.cleaner != nil {
		n, err := s.cleaner.CleanupOld(ctx, cfg.Retention)
		if err != nil {
			return res, errors.Wrap(err, "prune executions")
		}
		res.Executions = n
	}

	if len(expired) > 0 || res.Executions > 0 {
		s.logger.Infow("Sweep complete",
			"removed", len(res.Removed),
			"failed", len(res.Failed),
			"executions_pruned", res.Executions)
	}
	return res, nil
}
