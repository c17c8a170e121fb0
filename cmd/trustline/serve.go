package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmarkets/trustline/internal/chain"
	"github.com/agentmarkets/trustline/internal/ipc"
	"github.com/agentmarkets/trustline/internal/registrar"
	"github.com/agentmarkets/trustline/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement engine HTTP API and background sweeps",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	var reader chain.Reader
	if eng.cfg.SignerBaseURL != "" {
		reader = chain.NewHTTPClient(eng.cfg.SignerBaseURL, eng.cfg.SignerAPIKey)
	}

	handler := &ipc.Handler{
		Ledger:    eng.ledger,
		Registrar: registrar.NewRegistrar(eng.db),
		Sweeper:   eng.sweeper,
		Guard:     eng.guard,
		Reader:    reader,
		DB:        eng.db,
		AgentRepo: &store.AgentRepo{},
	}
	srv := ipc.NewServer(handler, eng.cfg.ListenAddr)

	eng.sweeper.Start(ctx)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")

		eng.sweeper.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("trustline engine listening on %s", eng.cfg.ListenAddr)
	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
