package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/workflow"
)

// DatasetCmd represents the dataset command
var DatasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Create, inspect, plan and remove datasets",
	Long: `Create, inspect, plan and remove datasets.

Examples:
  metis dataset create --name "Rijksmuseum" --class FILE_HARVEST --custom-transform
  metis dataset ls
  metis dataset show <id>
  metis dataset plan <id>             # Stage plan the dataset will run
  metis dataset remove <id>           # Delete the dataset and all its records`,
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a dataset",
	RunE:  runDatasetCreate,
}

var datasetListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List datasets",
	RunE:    runDatasetList,
}

var datasetShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dataset",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetShow,
}

var datasetPlanCmd = &cobra.Command{
	Use:   "plan <id>",
	Short: "Show the execution and reporting plans of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetPlan,
}

var datasetRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a dataset with all its records",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetRemove,
}

var (
	datasetName      string
	datasetClass     string
	datasetTransform bool
	datasetLimit     int
)

func init() {
	datasetCreateCmd.Flags().StringVar(&datasetName, "name", "", "Dataset name (required)")
	datasetCreateCmd.Flags().StringVar(&datasetClass, "class", string(workflow.FileHarvest), "Workflow classification")
	datasetCreateCmd.Flags().BoolVar(&datasetTransform, "custom-transform", false, "Dataset has a custom transformation")
	_ = datasetCreateCmd.MarkFlagRequired("name")
	datasetListCmd.Flags().IntVar(&datasetLimit, "limit", 50, "Maximum datasets to list")

	DatasetCmd.AddCommand(datasetCreateCmd)
	DatasetCmd.AddCommand(datasetListCmd)
	DatasetCmd.AddCommand(datasetShowCmd)
	DatasetCmd.AddCommand(datasetPlanCmd)
	DatasetCmd.AddCommand(datasetRemoveCmd)
}

// withDatasets runs fn against the configured dataset store
func withDatasets(fn func(ctx context.Context, store *dataset.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(context.Background(), dataset.NewStore(conn))
}

func runDatasetCreate(cmd *cobra.Command, args []string) error {
	return withDatasets(func(ctx context.Context, store *dataset.Store) error {
		d := &dataset.Dataset{
			Name:               datasetName,
			Classification:     workflow.Classification(datasetClass),
			HasCustomTransform: datasetTransform,
		}
		if err := store.Create(ctx, d); err != nil {
			return err
		}
		pterm.Success.Printf("Created dataset %s\n", d.ID)
		return nil
	})
}

func runDatasetList(cmd *cobra.Command, args []string) error {
	return withDatasets(func(ctx context.Context, store *dataset.Store) error {
		all, err := store.List(ctx, datasetLimit)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			pterm.Info.Println("No datasets")
			return nil
		}

		data := pterm.TableData{{"ID", "Name", "Classification", "Records", "Created"}}
		for _, d := range all {
			data = append(data, []string{
				d.ID, d.Name, string(d.Classification),
				strconv.Itoa(d.RecordCount), d.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runDatasetShow(cmd *cobra.Command, args []string) error {
	return withDatasets(func(ctx context.Context, store *dataset.Store) error {
		d, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"ID", d.ID},
			{"Name", d.Name},
			{"Classification", string(d.Classification)},
			{"Custom transform", strconv.FormatBool(d.HasCustomTransform)},
			{"Records", strconv.Itoa(d.RecordCount)},
			{"Created", d.CreatedAt.Format("2006-01-02 15:04:05")},
		}).Render()
	})
}

func runDatasetPlan(cmd *cobra.Command, args []string) error {
	return withDatasets(func(ctx context.Context, store *dataset.Store) error {
		d, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		composer := workflow.NewComposer(workflow.DefaultRegistry())

		plan, err := composer.ExecutionPlan(d.Classification, d.HasCustomTransform)
		if err != nil {
			return err
		}
		pterm.Info.Printf("Execution plan: %s\n", plan)

		if reporting, err := composer.ReportingPlan(d.Classification, d.HasCustomTransform); err != nil {
			pterm.Warning.Printf("No reporting plan: %v\n", err)
		} else {
			pterm.Info.Printf("Reporting plan: %s\n", reporting)
		}
		return nil
	})
}

func runDatasetRemove(cmd *cobra.Command, args []string) error {
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

	removal, err := p.remover.RemoveDataset(ctx, args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("Removed dataset %s (%d rows in %s)\n", removal.DatasetID, removal.Total(), removal.Duration.Round(time.Millisecond))
	return nil
}
