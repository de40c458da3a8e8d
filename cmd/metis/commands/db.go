package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// DbCmd represents the db command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		var applied int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
			return err
		}
		pterm.Success.Printf("Database %s is at schema version %d\n", cfg.Database.Path, applied)
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}
