package commands

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/orchestrator"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
	"github.com/teranos/metis/stage/steps"
	"github.com/teranos/metis/workflow"
)

// RunCmd harvests a dataset and validates it
var RunCmd = &cobra.Command{
	Use:   "run <dataset-id>",
	Short: "Harvest a dataset and validate it",
	Long: `Harvest a dataset and validate it.

FILE_HARVEST datasets are harvested from --dir: every file becomes one
record of a HARVEST_FILE stage. OAI_HARVEST datasets are harvested from the
OAI-PMH --endpoint with a HARVEST_OAI stage. When the harvest completes,
VALIDATE_EXTERNAL checks each harvested record for well-formed XML. A failed
harvest stops the chain.

Stages run on a local worker pool; interrupting the command abandons the
wait and leaves queued work for the next 'metis serve'.

Examples:
  metis run <dataset-id> --dir ./records
  metis run <dataset-id> --dir ./records --set-spec '*.xml' --step-size 500
  metis run <dataset-id> --endpoint https://oai.example.org/oai --set-spec photos --metadata-prefix edm`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runDir            string
	runEndpoint       string
	runSetSpec        string
	runMetadataPrefix string
	runStepSize       int
)

func init() {
	RunCmd.Flags().StringVar(&runDir, "dir", "", "Directory to harvest (file harvest datasets)")
	RunCmd.Flags().StringVar(&runEndpoint, "endpoint", "", "OAI-PMH endpoint URL (OAI harvest datasets)")
	RunCmd.Flags().StringVar(&runSetSpec, "set-spec", "", "File name glob, or OAI set to harvest")
	RunCmd.Flags().StringVar(&runMetadataPrefix, "metadata-prefix", "", "OAI metadata prefix (default "+steps.DefaultMetadataPrefix+")")
	RunCmd.Flags().IntVar(&runStepSize, "step-size", 0, "Records per chunk (0 = configured chunk size)")
	RunCmd.MarkFlagsMutuallyExclusive("dir", "endpoint")
	RunCmd.MarkFlagsOneRequired("dir", "endpoint")
}

// harvestParams picks the first stage of the chain for ds and its input
func harvestParams(ds *dataset.Dataset) (workflow.Stage, map[string]string, error) {
	params := map[string]string{}
	if runSetSpec != "" {
		params[stage.ParamSetSpec] = runSetSpec
	}
	if runStepSize > 0 {
		params[stage.ParamStepSize] = strconv.Itoa(runStepSize)
	}

	switch ds.Classification {
	case workflow.OAIHarvest:
		if runEndpoint == "" {
			return "", nil, errors.NewInvalidRequestError("dataset %s is harvested over OAI-PMH, use --endpoint", ds.ID)
		}
		params[stage.ParamEndpoint] = runEndpoint
		if runMetadataPrefix != "" {
			params[stage.ParamMetadataPrefix] = runMetadataPrefix
		}
		return workflow.HarvestOAI, params, nil
	case workflow.FileHarvest, workflow.FileHarvestOnlyValidation:
		if runDir == "" {
			return "", nil, errors.NewInvalidRequestError("dataset %s is harvested from files, use --dir", ds.ID)
		}
		params[stage.ParamEndpoint] = runDir
		return workflow.HarvestFile, params, nil
	default:
		return "", nil, errors.NewConfigurationError("dataset %s has classification %s, which has no harvest chain", ds.ID, ds.Classification)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
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

	log := logger.ComponentLogger("run")
	p := newPipeline(ctx, cfg, conn, afero.NewOsFs(), log)
	defer p.close()

	ds, err := p.datasets.Get(ctx, args[0])
	if err != nil {
		return err
	}

	first, params, err := harvestParams(ds)
	if err != nil {
		return err
	}

	p.pool.Start()
	defer p.pool.Stop()

	spinner, _ := pterm.DefaultSpinner.Start("Harvesting " + params[stage.ParamEndpoint])
	res, err := p.orch.Chain(ctx, ds, first, params, workflow.ValidateExternal)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if res.Succeeded() {
		spinner.Success("Chain complete")
	} else {
		spinner.Warning("Chain stopped: " + string(res.State))
	}

	return renderChain(ctx, p, res)
}

// renderChain prints one row per launched stage with its record counts
func renderChain(ctx context.Context, p *pipeline, res *orchestrator.ChainResult) error {
	data := pterm.TableData{{"Stage", "Execution", "Status", "Success", "Fail", "Error"}}
	for _, h := range res.Executions {
		src := record.Source{DatasetID: h.DatasetID, ExecutionID: h.OutputExecutionID(), ExecutionName: h.StageType}
		ok, err := p.records.CountSuccess(ctx, src)
		if err != nil {
			return err
		}
		failed, err := p.records.CountFail(ctx, src)
		if err != nil {
			return err
		}
		var msg string
		if h.Status == stage.StatusFailed {
			if exec, err := p.queue.Get(ctx, h.ID); err == nil {
				msg = exec.Error
			}
		}
		data = append(data, []string{h.StageType, h.ID, string(h.Status), strconv.Itoa(ok), strconv.Itoa(failed), msg})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if err := renderPatterns(ctx, p, res); err != nil {
		return err
	}

	if !res.Succeeded() {
		return errors.Newf("chain ended in %s", res.State)
	}
	return nil
}

// renderPatterns prints the failure and warning counters of each launched
// stage. Stages that kept no counters are left out.
func renderPatterns(ctx context.Context, p *pipeline, res *orchestrator.ChainResult) error {
	data := pterm.TableData{{"Stage", "Category", "Count"}}
	for _, h := range res.Executions {
		exec, err := p.queue.Get(ctx, h.ID)
		if err != nil {
			return err
		}
		scope, err := p.counters.LookupExecutionPoint(ctx, h.DatasetID, h.StageType, exec.CreatedAt)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return err
		}
		totals, err := p.counters.Totals(ctx, scope)
		if err != nil {
			return err
		}
		categories := make([]string, 0, len(totals))
		for c := range totals {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			data = append(data, []string{h.StageType, c, strconv.FormatInt(totals[c], 10)})
		}
	}
	if len(data) == 1 {
		return nil
	}
	pterm.Println()
	pterm.Info.Println("Patterns")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
