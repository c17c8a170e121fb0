package ipc

import (
	"context"
	"net/http"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: newMux(h),
	}

	return &Server{
		httpServer: srv,
	}
}

func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Agent endpoints.
	mux.HandleFunc("POST /api/v1/agents", h.CreateAgent)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/reputation", h.GetReputation)

	// Escrow lifecycle endpoints.
	mux.HandleFunc("POST /api/v1/transactions", h.CreateTransaction)
	mux.HandleFunc("GET /api/v1/transactions/{txID}", h.GetTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{txID}/fund", h.FundTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{txID}/deliver", h.DeliverTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{txID}/release", h.ReleaseTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{txID}/dispute", h.DisputeTransaction)
	mux.HandleFunc("POST /api/v1/transactions/{txID}/resolve", h.ResolveTransaction)

	// Batch registration endpoints.
	mux.HandleFunc("POST /api/v1/batches", h.PrepareBatch)
	mux.HandleFunc("POST /api/v1/batches/confirm", h.ConfirmBatch)
	mux.HandleFunc("GET /api/v1/batches/status", h.BatchStatus)

	// Operations endpoint.
	mux.HandleFunc("POST /api/v1/sweeps/run", h.RunSweep)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
