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
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.open()
			if err != nil {
				return err
			}
			defer closeApp(app)

			if addr == "" {
				addr = app.Config.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := app.Server.HTTPServer(addr)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				app.Logger.Info("listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				app.Logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}
