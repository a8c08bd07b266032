package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/api"
	"github.com/deep-stack/azimuth-watcher/api/graphql"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the GraphQL API",
	Long: "Serves cached view calls, indexed events and state over GraphQL. " +
		"With --index the indexer runs in the same process.",
	RunE: runServer,
}

func init() {
	serverCmd.Flags().Bool("index", false, "Run the indexer in-process")
	serverCmd.Flags().String("kind", "", "Contract kind served by the GraphQL API")
	serverCmd.Flags().String("host", "", "API server host")
	serverCmd.Flags().Int("port", 0, "API server port")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.close()

	if version != "dev" {
		api.Version = version
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		a.cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Server.Port = port
	}

	if err := a.watchConfigured(ctx); err != nil {
		return err
	}

	caller, err := a.newCachedCall()
	if err != nil {
		return fmt.Errorf("failed to create cached call: %w", err)
	}

	schema, err := graphql.NewSchema(caller, a.store, a.indexer, a.log,
		graphql.WithEventBus(a.bus),
		graphql.WithMaxEventsBlockRange(a.cfg.Server.MaxEventsBlockRange),
	)
	if err != nil {
		return fmt.Errorf("failed to build schema: %w", err)
	}

	server, err := api.NewServer(api.ConfigFromServer(a.cfg.Server), a.log, schema, a.bus)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	index, _ := cmd.Flags().GetBool("index")
	indexDone := make(chan struct{})
	if index {
		go func() {
			defer close(indexDone)
			if err := a.indexer.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("indexer failed: %w", err)
			}
		}()
	} else {
		close(indexDone)
	}

	a.log.Info("watcher server started",
		zap.String("kind", a.cfg.Watcher.Kind),
		zap.Bool("index", index),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("received shutdown signal")
	case runErr = <-errCh:
		a.log.Error("watcher server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runErr = multierr.Append(runErr, server.Stop(shutdownCtx))
	<-indexDone

	a.log.Info("watcher server stopped")
	return runErr
}
