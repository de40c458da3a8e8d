package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/errors"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise metis configuration",
	Long: `Show or initialise metis configuration.

Configuration sources (in order of precedence):
1. Environment variables (METIS_* prefix)
2. Project config (nearest metis.toml walking up from the working directory)
3. User config (~/.metis/metis.toml)
4. System config (/etc/metis/metis.toml)
5. Default values

Examples:
  metis config show                  # Effective configuration as TOML
  metis config show --format json
  metis config init                  # Write metis.toml with the effective settings`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a new file",
	RunE:  runConfigInit,
}

var (
	configFormat string
	configPath   string
)

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	configInitCmd.Flags().StringVar(&configPath, "path", "metis.toml", "File to write")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "toml":
		data, err := cfg.Render()
		if err != nil {
			return err
		}
		if src := am.ActiveConfigFile(); src != "" {
			fmt.Printf("# loaded from %s\n", src)
		}
		fmt.Print(string(data))
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.WriteFile(configPath); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", configPath)
	return nil
}
