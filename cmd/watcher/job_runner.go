package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var jobRunnerCmd = &cobra.Command{
	Use:   "job-runner",
	Short: "Index the watched contracts",
	Long:  "Processes blocks from the sync status onward, storing events, state and block progress",
	RunE:  runJobRunner,
}

func init() {
	rootCmd.AddCommand(jobRunnerCmd)
}

func runJobRunner(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.watchConfigured(ctx); err != nil {
		return err
	}

	next, err := a.indexer.GetNextHeight(ctx)
	if err != nil {
		return err
	}
	a.log.Info("job runner started", zap.Uint64("next_height", next))

	if err := a.indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("indexer stopped", zap.Error(err))
		return err
	}

	a.log.Info("job runner stopped")
	return nil
}
