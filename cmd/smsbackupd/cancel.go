package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"smsbackup/internal/app"
	"smsbackup/internal/config"
	"smsbackup/internal/storage"
	logx "smsbackup/pkg/logx"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Remove every persisted job",
	Long: `Cancel clears the job store so a daemon started afterwards only
schedules what the preferences ask for. Stop the daemon first; a running
daemon keeps its in-memory jobs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewManager(configPath, logx.Nop()).Parse()
		if err != nil {
			return err
		}
		n, err := app.ClearPersistedJobs(cmd.Context(), cfg, logx.Nop())
		if errors.Is(err, storage.ErrDisabled) {
			fmt.Fprintln(cmd.OutOrStdout(), "storage disabled: nothing persisted")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "canceled %d job(s)\n", n)
		return nil
	},
}
