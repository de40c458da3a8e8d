package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/cmd/metis/commands"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/logger"
)

var rootCmd = &cobra.Command{
	Use:   "metis",
	Short: "metis - metadata ingestion pipeline for cultural heritage datasets",
	Long: `metis - metadata ingestion pipeline for cultural heritage datasets.

Datasets are harvested, validated and transformed by a chain of stages. Each
stage reads the records the previous stage produced and writes its own.

Available commands:
  config  - Show or initialise configuration
  db      - Database maintenance
  dataset - Create, inspect, plan and remove datasets
  run     - Harvest a dataset from a directory and validate it
  stage   - Inspect stage executions
  serve   - Run the stage worker pool and retention sweeper
  version - Show version information

Examples:
  metis config show
  metis dataset create --name "Rijksmuseum" --class FILE_HARVEST
  metis run <dataset-id> --dir ./records
  metis serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.DatasetCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StageCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		for _, hint := range errors.GetAllHints(err) {
			pterm.Info.Println(hint)
		}
		os.Exit(errors.ExitCode(err))
	}
}
