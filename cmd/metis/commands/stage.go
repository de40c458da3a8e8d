package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/stage"
)

// StageCmd represents the stage command
var StageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Inspect stage executions",
	Long: `Inspect stage executions.

Examples:
  metis stage stats                 # Execution counts and host capacity
  metis stage ls --status failed    # Recent failed executions`,
}

var stageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution counts and host capacity",
	RunE:  runStageStats,
}

var stageListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent stage executions",
	RunE:  runStageList,
}

var (
	stageStatus string
	stageLimit  int
)

func init() {
	stageListCmd.Flags().StringVar(&stageStatus, "status", "", "Filter by status: queued, running, completed, failed")
	stageListCmd.Flags().IntVar(&stageLimit, "limit", 20, "Maximum executions to list")

	StageCmd.AddCommand(stageStatsCmd)
	StageCmd.AddCommand(stageListCmd)
}

func runStageStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	p := newPipeline(ctx, cfg, conn, afero.NewOsFs(), logger.ComponentLogger("cli"))
	defer p.close()

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return err
	}
	m := p.pool.SystemMetrics(ctx)

	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Queued", strconv.Itoa(stats.Queued)},
		{"Running", strconv.Itoa(stats.Running)},
		{"Completed", strconv.Itoa(stats.Completed)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Workers (configured)", strconv.Itoa(m.WorkersTotal)},
		{"Memory", fmt.Sprintf("%.1f/%.1f GB (%.0f%%)", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)},
		{"Registered stages", fmt.Sprint(p.queue.Registry().StageTypes())},
	}).Render()
}

func runStageList(cmd *cobra.Command, args []string) error {
	var filter *stage.Status
	if stageStatus != "" {
		if !stage.IsValidStatus(stageStatus) {
			return errors.NewInvalidRequestError("unknown status %q", stageStatus)
		}
		s := stage.Status(stageStatus)
		filter = &s
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	execs, err := stage.NewStore(conn).ListExecutions(ctx, filter, stageLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Println("No executions")
		return nil
	}

	data := pterm.TableData{{"ID", "Stage", "Dataset", "Status", "Progress", "Updated", "Error"}}
	for _, e := range execs {
		data = append(data, []string{
			e.ID, e.StageType, e.DatasetID, string(e.Status),
			fmt.Sprintf("%d/%d", e.Progress.Current, e.Progress.Total),
			e.UpdatedAt.Format("2006-01-02 15:04:05"), e.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
