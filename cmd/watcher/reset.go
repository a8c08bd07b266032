package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rewind the watcher to a block",
	Long: "Deletes events, blocks, state and cached calls above --block-number " +
		"and points the sync status at it",
	RunE: runReset,
}

func init() {
	resetCmd.Flags().Uint64("block-number", 0, "Block number to reset to")
	resetCmd.MarkFlagRequired("block-number")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	blockNumber, _ := cmd.Flags().GetUint64("block-number")

	ctx := context.Background()
	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.indexer.Reset(ctx, blockNumber); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	a.log.Info("watcher reset", zap.Uint64("block_number", blockNumber))
	fmt.Fprintf(cmd.OutOrStdout(), "reset watcher to block %d\n", blockNumber)
	return nil
}
