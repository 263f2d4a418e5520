package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historySession string
	historyLimit   int
	historyFailed  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently played or failed tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if historyFailed {
			failures, err := rt.History.Failures(ctx, historySession, historyLimit)
			if err != nil {
				return err
			}
			if len(failures) == 0 {
				fmt.Fprintln(out, "No failures recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tSESSION\tTITLE\tERROR")
			for _, f := range failures {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.FailedAt.Local().Format(time.DateTime), f.SessionID, f.Title, f.Error)
			}
			return tw.Flush()
		}

		if historySession == "" {
			return fmt.Errorf("--session is required unless --failed is set")
		}
		tracks, err := rt.History.Recent(ctx, historySession, historyLimit)
		if err != nil {
			return err
		}
		return printTracks(out, tracks)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "session id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of rows")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "list failed tracks instead of plays")
	rootCmd.AddCommand(historyCmd)
}
