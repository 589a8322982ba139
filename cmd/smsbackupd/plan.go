package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"smsbackup/internal/app"
	"smsbackup/internal/config"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the jobs the current preferences would schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewManager(configPath, logx.Nop()).Parse()
		if err != nil {
			return err
		}
		p, err := app.BuildPlan(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if planJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		}
		if p.CancelAll {
			fmt.Fprintln(out, "auto backup disabled: all jobs would be canceled")
			return nil
		}
		for _, d := range p.Jobs {
			fmt.Fprintln(out, describe(d))
		}
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
}

func describe(d jobs.JobDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s ", d.Kind)
	if d.Periodic() {
		fmt.Fprintf(&b, "every %s", d.PeriodInterval)
	} else {
		fmt.Fprintf(&b, "once after %s, backoff %s %s", d.InitialDelay, d.Backoff.Strategy, d.Backoff.InitialDelay)
	}
	fmt.Fprintf(&b, ", network %s", d.Constraints.RequiredConnectivity)
	if len(d.Constraints.WatchedSources) > 0 {
		srcs := make([]string, 0, len(d.Constraints.WatchedSources))
		for _, ws := range d.Constraints.WatchedSources {
			srcs = append(srcs, string(ws.Source))
		}
		fmt.Fprintf(&b, ", on change of %s", strings.Join(srcs, ","))
	}
	return b.String()
}
