package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trackline/trackline/internal/track"
)

var (
	searchLimit int
	jsonOutput  bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the configured providers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		tracks, err := rt.Resolver.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		return printTracks(cmd.OutOrStdout(), tracks)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <url|query>",
	Short: "Resolve a URL or free-text query to a single track",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		t, err := rt.Resolver.Resolve(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printTracks(cmd.OutOrStdout(), []*track.Track{t})
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(searchCmd, resolveCmd)
}

func printTracks(w io.Writer, tracks []*track.Track) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tracks)
	}
	if len(tracks) == 0 {
		fmt.Fprintln(w, "No results")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPROVIDER\tTITLE\tAUTHOR\tDURATION\tURL")
	for i, t := range tracks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, t.Provider, t.Title, t.Author, t.Duration(), t.CanonicalURL)
	}
	return tw.Flush()
}
