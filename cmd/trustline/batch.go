package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentmarkets/trustline/internal/registrar"
)

var batchConfirmFlags struct {
	chain  string
	txHash string
}

var prepareBatchCmd = &cobra.Command{
	Use:   "prepare-batch [agentID...]",
	Short: "Stage an identity registration batch and print its Merkle root",
	Long: `Stage a Merkle-committed registration batch for the given agents,
or for every eligible agent when none are named. The printed root is what
the operator commits on-chain before running confirm-batch.`,
	RunE: runPrepareBatch,
}

var confirmBatchCmd = &cobra.Command{
	Use:   "confirm-batch <merkleRoot> [agentID...]",
	Short: "Record the on-chain commitment of a staged batch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConfirmBatch,
}

var batchStatusCmd = &cobra.Command{
	Use:   "batch-status",
	Short: "Show registration pipeline counts and staged batches",
	RunE:  runBatchStatus,
}

func init() {
	confirmBatchCmd.Flags().StringVar(&batchConfirmFlags.chain, "chain", "", "chain the root was committed on")
	confirmBatchCmd.Flags().StringVar(&batchConfirmFlags.txHash, "tx-hash", "", "commitment transaction hash")

	rootCmd.AddCommand(prepareBatchCmd)
	rootCmd.AddCommand(confirmBatchCmd)
	rootCmd.AddCommand(batchStatusCmd)
}

func runPrepareBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	batch, err := registrar.NewRegistrar(eng.db).Prepare(ctx, args)
	if err != nil {
		return err
	}

	fmt.Printf("staged batch of %d agents\n", len(batch.Entries))
	fmt.Printf("merkle root: %s\n", batch.MerkleRoot)
	for _, entry := range batch.Entries {
		fmt.Printf("  %s leaf=%s proof=[%s]\n", entry.AgentID, entry.Leaf, strings.Join(entry.Proof, " "))
	}
	return nil
}

func runConfirmBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := registrar.NewRegistrar(eng.db).Confirm(ctx, args[0], batchConfirmFlags.chain, batchConfirmFlags.txHash, args[1:])
	if err != nil {
		return err
	}

	fmt.Printf("registered=%d failed=%d\n", res.Registered, res.Failed)
	for _, id := range res.FailedIDs {
		fmt.Printf("  failed: %s\n", id)
	}
	return nil
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	status, err := registrar.NewRegistrar(eng.db).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("eligible=%d registered=%d\n", status.Eligible, status.Registered)
	for _, b := range status.Batches {
		state := "staged"
		if b.ConfirmedAt != 0 {
			state = fmt.Sprintf("confirmed on %s (%s)", b.Chain, b.TxHash)
		}
		fmt.Printf("  %s %s\n", b.MerkleRoot, state)
	}
	return nil
}
