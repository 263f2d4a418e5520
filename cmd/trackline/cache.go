package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the audio cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and method health",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		files, bytes := rt.Cache.Stats()
		cooling, total := rt.Health.Cooling()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache dir:  %s\n", rt.Cache.Dir())
		fmt.Fprintf(out, "Entries:    %d (%.1f MB)\n", files, float64(bytes)/(1<<20))
		fmt.Fprintf(out, "Methods:    %d tracked, %d cooling down\n", total, cooling)
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries, idle method records and old history",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		before, _ := rt.Cache.Stats()
		rt.Sweep(cmd.Context())
		after, _ := rt.Cache.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries\n", before-after)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd)
	rootCmd.AddCommand(cacheCmd)
}
