package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sweeper, prefetcher and ops HTTP endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := rt.Start(ctx); err != nil {
			return err
		}

		addr := rt.Config.Server.ListenAddr
		if listenAddr != "" {
			addr = listenAddr
		}
		srv := server.New(addr, rt)

		errCh := make(chan error, 1)
		go func() {
			rt.Logger.Info("Ops server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			rt.Logger.Info("Shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override server.listen_addr")
	rootCmd.AddCommand(serveCmd)
}
