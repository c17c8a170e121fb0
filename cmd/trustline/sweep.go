package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one synchronous maintenance sweep and exit",
	Long: `Run one pass of each maintenance sweep:

  - refund FUNDED escrows whose deadline has passed
  - release DELIVERED, undisputed escrows whose dispute window has elapsed
  - refresh the stalest reputation caches
  - expire staged registration batches past their TTL`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	refunds, err := eng.sweeper.SweepExpiredEscrows(ctx)
	if err != nil {
		return fmt.Errorf("expired escrow sweep: %w", err)
	}
	fmt.Printf("expired escrows: processed=%d successful=%d failed=%d\n",
		refunds.Processed, refunds.Successful, refunds.Failed)

	releases, err := eng.sweeper.SweepElapsedWindows(ctx)
	if err != nil {
		return fmt.Errorf("elapsed window sweep: %w", err)
	}
	fmt.Printf("elapsed windows: processed=%d successful=%d failed=%d\n",
		releases.Processed, releases.Successful, releases.Failed)

	refreshed, err := eng.sweeper.RefreshReputation(ctx)
	if err != nil {
		return fmt.Errorf("reputation refresh: %w", err)
	}
	fmt.Printf("reputation refresh: processed=%d successful=%d failed=%d\n",
		refreshed.Processed, refreshed.Successful, refreshed.Failed)

	expired, err := eng.sweeper.CleanupStagedBatches(ctx)
	if err != nil {
		return fmt.Errorf("batch cleanup: %w", err)
	}
	fmt.Printf("staged batches expired: %d\n", expired)

	return nil
}
