package commands

import (
	"context"
	"database/sql"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/counter"
	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/events"
	"github.com/teranos/metis/lifecycle"
	"github.com/teranos/metis/orchestrator"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
	"github.com/teranos/metis/stage/steps"
	"github.com/teranos/metis/workflow"
)

// eventBufferSize bounds each event subscriber; slower consumers drop events
const eventBufferSize = 1024

// pipeline wires the stores, the stage substrate and the orchestrator over
// one database.
type pipeline struct {
	cfg      *am.Config
	conn     *sql.DB
	datasets *dataset.Store
	records  *record.Store
	counters *counter.Store
	locks    *dataset.Locks
	composer *workflow.Composer
	queue    *stage.Queue
	pool     *stage.WorkerPool
	orch     *orchestrator.Orchestrator
	remover  *lifecycle.Remover
	bus      *events.Bus // nil when events are disabled
	consumed chan struct{}
	logger   *zap.SugaredLogger
}

func newPipeline(ctx context.Context, cfg *am.Config, conn *sql.DB, fs afero.Fs, log *zap.SugaredLogger) *pipeline {
	p := &pipeline{
		cfg:      cfg,
		conn:     conn,
		datasets: dataset.NewStore(conn),
		records:  record.NewStore(conn),
		counters: counter.NewStore(conn),
		locks:    dataset.NewLocks(),
		composer: workflow.NewComposer(workflow.DefaultRegistry()),
		logger:   log,
	}

	var publisher events.Publisher
	if cfg.Events.Enabled {
		p.bus = events.NewBus(eventBufferSize)
		publisher = p.bus
		consumer := events.NewLogConsumer(conn, log)
		sub := p.bus.Subscribe()
		p.consumed = make(chan struct{})
		go func() {
			defer close(p.consumed)
			consumer.Run(ctx, sub)
		}()
	}

	stepsCfg := steps.ConfigFrom(cfg.Steps)
	runner := steps.NewRunner(p.records, p.counters, publisher, stepsCfg, log)

	registry := stage.NewHandlerRegistry()
	registry.Register(steps.NewHarvestHandler(string(workflow.HarvestFile), steps.NewDirectoryHarvester(fs), p.records, publisher, stepsCfg, log))
	registry.Register(steps.NewHarvestHandler(string(workflow.HarvestOAI), steps.NewOAIHarvesterFrom(cfg.Harvest), p.records, publisher, stepsCfg, log))
	registry.Register(steps.NewProcessHandler(string(workflow.ValidateExternal), steps.WellFormedValidator{}, runner))
	registry.Register(steps.NewProcessHandler(string(workflow.ValidateInternal), steps.WellFormedValidator{}, runner))

	p.queue = stage.NewQueue(conn, registry, stage.QueueConfigFrom(cfg.Substrate))
	p.pool = stage.NewWorkerPool(ctx, p.queue, stage.WorkerPoolConfigFrom(cfg.Substrate), log)
	p.orch = orchestrator.New(p.queue, p.composer, p.datasets, p.records, p.locks, orchestrator.ConfigFrom(cfg.Orchestrator), log)
	p.remover = lifecycle.NewRemover(conn, p.queue, p.locks, log)
	return p
}

// close stops the event bus and waits for the log consumer to persist what
// it buffered. The worker pool is stopped by its owner, before close.
func (p *pipeline) close() {
	if p.bus != nil {
		p.bus.Close()
		<-p.consumed
		if dropped := p.bus.Dropped(); dropped > 0 {
			p.logger.Warnw("Record events dropped", "dropped", dropped)
		}
	}
}
