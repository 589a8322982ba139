package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "smsbackupd",
	Short: "Background scheduler for SMS and call log backups",
	Long: `smsbackupd keeps two backup jobs scheduled from your preferences:
a periodic regular backup and a one-shot backup fired when new messages or
calls show up in the watched sources.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./smsbackup.yaml", "path to config (JSON or YAML)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(cancelCmd)
}
