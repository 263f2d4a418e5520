package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trackline/trackline/internal/download"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url|query>",
	Short: "Resolve a track and download it into the audio cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		ctx := cmd.Context()
		t, err := rt.Resolver.Resolve(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if !t.Provider.Playable() {
			if t, err = rt.Resolver.ResolveForPlayback(ctx, t); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Fetching %s\n", t)

		progress := make(chan download.ProgressUpdate, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for u := range progress {
				fmt.Fprintf(out, "\r%-12s %3d%%", u.Status, u.Percent)
			}
			fmt.Fprintln(out)
		}()

		entry, err := rt.Pipeline.Fetch(ctx, t, "cli-"+uuid.NewString(), progress)
		close(progress)
		<-done
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cached %s (%d bytes)\n", entry.Path, entry.Size)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
