package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"supertask/internal/config"
	"supertask/internal/logger"
	"supertask/internal/store"
)

var (
	v   = config.New()
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "supertask",
	Short: "supertask - declarative cron job scheduler",
	Long: `supertask keeps a store of cron jobs in sync with a timetable file and runs
them when they are due.

Available commands:
  run     - Reconcile a timetable, watch it and run due jobs
  seed    - Reconcile a timetable once and print what changed
  jobs    - List the stored jobs of a namespace
  version - Print the version

Examples:
  supertask run timetable.yaml --store-address=postgresql://localhost/supertask
  supertask seed timetable.toml --store-address=sqlite:///var/lib/supertask.db
  supertask jobs demo --store-address=redis://localhost:6379/0`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := config.ReadFile(v, v.GetString("config")); err != nil {
			return err
		}
		var err error
		if cfg, err = config.Load(v); err != nil {
			return err
		}
		if err := logger.Initialize(cfg.LogJSON, cfg.LogLevel()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (TOML, YAML or JSON)")
	flags.String("store-address", "", "job store URL: memory://, postgresql://, cockroachdb://, crate://, sqlite://<path>, redis://")
	flags.String("store-schema-name", store.DefaultSchema, "schema holding the job table")
	flags.String("store-table-name", store.DefaultTable, "job table name")
	flags.Bool("pre-delete-jobs", false, "delete every job of the namespace before seeding")
	flags.String("namespace", "", "namespace to seed; derived from host, user and timetable path when empty")
	flags.String("http-listen-address", "localhost:4243", "HTTP API address; empty disables the API")
	flags.Bool("debug", false, "log at debug level")
	flags.Bool("log-json", false, "log JSON lines instead of console output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
