package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var watchContractCmd = &cobra.Command{
	Use:   "watch-contract",
	Short: "Add a contract to the watched set",
	RunE:  runWatchContract,
}

func init() {
	watchContractCmd.Flags().String("address", "", "Contract address")
	watchContractCmd.Flags().String("kind", "", "Contract kind")
	watchContractCmd.Flags().Bool("checkpoint", false, "Create state checkpoints for the contract")
	watchContractCmd.Flags().Uint64("starting-block", 1, "Block to start watching from")
	watchContractCmd.MarkFlagRequired("address")
	watchContractCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(watchContractCmd)
}

func runWatchContract(cmd *cobra.Command, args []string) error {
	address, _ := cmd.Flags().GetString("address")
	kind, _ := cmd.Flags().GetString("kind")
	checkpoint, _ := cmd.Flags().GetBool("checkpoint")
	startingBlock, _ := cmd.Flags().GetUint64("starting-block")

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid contract address %q", address)
	}
	if kind == "" {
		return errors.New("contract kind is required")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.close()

	address = strings.ToLower(address)
	if err := a.indexer.WatchContract(ctx, address, kind, checkpoint, startingBlock); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "watching %s contract %s from block %d\n", kind, address, startingBlock)
	return nil
}
