package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/lifecycle"
	"github.com/teranos/metis/logger"
)

// ServeCmd runs the stage worker pool and the retention sweeper
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stage worker pool and retention sweeper",
	Long: `Run the stage worker pool and retention sweeper until interrupted.

Queued stage executions are claimed and run by substrate.workers workers.
Executions left running by a previous process are re-queued on start.
Datasets older than cleanup.retention_days are removed every
cleanup.interval_minutes; editing those settings in the active config file
takes effect without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.ComponentLogger("serve")
	p := newPipeline(ctx, cfg, conn, afero.NewOsFs(), log)
	defer p.close()

	p.pool.Start()
	defer p.pool.Stop()

	sweeper := lifecycle.NewSweeper(ctx, p.remover, p.datasets, p.queue, lifecycle.SweepConfigFrom(cfg.Cleanup), log)
	sweeper.Start()
	defer sweeper.Stop()

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload unavailable", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				sweeper.Reconfigure(lifecycle.SweepConfigFrom(next.Cleanup))
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	m := p.pool.SystemMetrics(ctx)
	pterm.Success.Printf("metis serving %s with %d workers (%.1f/%.1f GB memory in use)\n",
		cfg.Database.Path, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB)

	<-ctx.Done()
	pterm.Info.Println("Shutting down")
	return nil
}
