package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/soma-tiles/deeptable/internal/api"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}

		router := api.NewRouter(api.RouterConfig{
			Registry:    a.registry,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			AccessLog:   a.cfg.Server.AccessLog,
		})

		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return listenAndServe(ctx, server)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on, overrides the configuration")
	rootCmd.AddCommand(serveCmd)
}

// listenAndServe runs server until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		logs.WithTag("addr", server.Addr).Info("starting server")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.New("server stopped").
			WithTag("addr", server.Addr).
			Wrap(err)

	case <-ctx.Done():
	}

	logs.WithTag("addr", server.Addr).Info("stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.New("shutting down the server failed").
			WithTag("addr", server.Addr).
			Wrap(err)
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		logs.Warn(errors.New("server stopped").
			WithTag("addr", server.Addr).
			Wrap(err))
	}
	return nil
}
