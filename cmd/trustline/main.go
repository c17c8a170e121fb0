// Package main is the entry point for the Trustline settlement engine.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmarkets/trustline/internal/chain"
	"github.com/agentmarkets/trustline/internal/config"
	"github.com/agentmarkets/trustline/internal/guard"
	"github.com/agentmarkets/trustline/internal/ledger"
	"github.com/agentmarkets/trustline/internal/store"
	"github.com/agentmarkets/trustline/internal/sweeper"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trustline",
	Short: "Trustline - escrow settlement and reputation engine",
	Long: `Trustline runs the escrow state machine, reputation scoring,
deadline sweeps and Merkle-batched identity registration for an
agent-to-agent marketplace.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration JSON file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles everything a command needs after wiring.
type engine struct {
	cfg     *config.Config
	db      *sql.DB
	ledger  *ledger.Ledger
	sweeper *sweeper.Sweeper
	guard   *guard.Authorizer
}

// openEngine loads config, opens the store and wires the core components.
// The caller must Close the returned engine.
func openEngine(ctx context.Context) (*engine, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("TRUSTLINE_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var signer chain.Signer = unconfiguredSigner{}
	if cfg.SignerBaseURL != "" {
		signer = chain.NewHTTPClient(cfg.SignerBaseURL, cfg.SignerAPIKey)
	}

	lg := ledger.NewLedger(db, signer)
	if cfg.SignTimeoutSec > 0 {
		lg.SignTimeout = time.Duration(cfg.SignTimeoutSec) * time.Second
	}

	sw := sweeper.NewSweeper(db, lg, sweeper.Config{
		SweepIntervalSec:     cfg.SweepIntervalSec,
		SweepPageSize:        cfg.SweepPageSize,
		ReleasePageSize:      cfg.ReleasePageSize,
		ReputationRefreshSec: cfg.ReputationRefreshSec,
		ReputationBatchSize:  cfg.ReputationBatchSize,
		BatchTTLHours:        cfg.BatchTTLHours,
		JitterMaxMs:          cfg.SweepJitterMaxMs,
	})

	auth := guard.NewAuthorizer(db)
	for _, principal := range cfg.AdminPrincipals {
		if err := auth.GrantAdmin(ctx, principal); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed admin %s: %w", principal, err)
		}
	}

	return &engine{cfg: cfg, db: db, ledger: lg, sweeper: sw, guard: auth}, nil
}

func (e *engine) Close() {
	e.db.Close()
}

// unconfiguredSigner rejects every settlement for deployments without a
// custody gateway; external-wallet flows still work.
type unconfiguredSigner struct{}

func (unconfiguredSigner) ReleaseEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	return "", fmt.Errorf("no signer gateway configured")
}

func (unconfiguredSigner) RefundEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	return "", fmt.Errorf("no signer gateway configured")
}
