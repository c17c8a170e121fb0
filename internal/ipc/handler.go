// Package ipc provides the HTTP API for the Trustline settlement engine.
package ipc

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentmarkets/trustline/internal/chain"
	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/guard"
	"github.com/agentmarkets/trustline/internal/ledger"
	"github.com/agentmarkets/trustline/internal/registrar"
	"github.com/agentmarkets/trustline/internal/store"
	"github.com/agentmarkets/trustline/internal/sweeper"
)

// adminHeader carries the principal for capability-gated endpoints.
const adminHeader = "X-Admin-Principal"

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Registrar *registrar.Registrar
	Sweeper   *sweeper.Sweeper
	Guard     *guard.Authorizer
	Reader    chain.Reader // optional, nil when no chain endpoint is configured
	DB        *sql.DB
	AgentRepo *store.AgentRepo
}

// CreateAgentRequest is the body for POST /api/v1/agents.
type CreateAgentRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"wallet_address"`
	WalletRef     string `json:"wallet_ref"`
	Custodial     bool   `json:"custodial"`
	IdentityJSON  string `json:"identity_json"`
}

// CreateTransactionRequest is the body for POST /api/v1/transactions.
type CreateTransactionRequest struct {
	BuyerAgentID  string `json:"buyer_agent_id"`
	SellerAgentID string `json:"seller_agent_id"`
	AmountWei     string `json:"amount_wei"`
	Currency      string `json:"currency"`
	DeadlineUnix  int64  `json:"deadline_unix"`
}

// FundRequest is the body for POST /api/v1/transactions/{txID}/fund.
type FundRequest struct {
	EscrowID     string `json:"escrow_id"`
	EscrowTxHash string `json:"escrow_tx_hash"`
	DeadlineUnix int64  `json:"deadline_unix"`
}

// DeliverRequest is the body for POST /api/v1/transactions/{txID}/deliver.
type DeliverRequest struct {
	DeliverableHash string `json:"deliverable_hash"`
	Deliverable     string `json:"deliverable"` // hashed server-side when no hash is given
}

// DisputeRequest is the body for POST /api/v1/transactions/{txID}/dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body for POST /api/v1/transactions/{txID}/resolve.
type ResolveRequest struct {
	ReleaseToSeller bool `json:"release_to_seller"`
}

// PrepareBatchRequest is the body for POST /api/v1/batches.
type PrepareBatchRequest struct {
	AgentIDs []string `json:"agent_ids"` // empty means every eligible agent
}

// ConfirmBatchRequest is the body for POST /api/v1/batches/confirm.
type ConfirmBatchRequest struct {
	MerkleRoot string   `json:"merkle_root"`
	Chain      string   `json:"chain"`
	TxHash     string   `json:"tx_hash"`
	AgentIDs   []string `json:"agent_ids"` // empty means the whole staged batch
}

// ReputationResponse wraps the off-chain summary with optional on-chain data.
type ReputationResponse struct {
	*domain.ReputationSummary
	OnChain *chain.OnChainReputation `json:"onchain,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateAgent handles POST /api/v1/agents.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	if req.ID == "" || req.WalletAddress == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "id and wallet_address are required"})
		return
	}

	agent := domain.Agent{
		ID:            req.ID,
		Name:          req.Name,
		WalletAddress: req.WalletAddress,
		WalletRef:     req.WalletRef,
		Custodial:     req.Custodial,
		IdentityJSON:  req.IdentityJSON,
		CreatedAt:     time.Now().Unix(),
	}
	if err := h.AgentRepo.Create(r.Context(), h.DB, agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// GetReputation handles GET /api/v1/agents/{agentID}/reputation.
func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	summary, err := h.Ledger.GetReputation(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ReputationResponse{ReputationSummary: summary}
	if h.Reader != nil {
		agent, err := h.AgentRepo.GetByID(r.Context(), h.DB, agentID)
		if err == nil && agent.Registered() {
			// Best-effort: a chain read miss never fails the query.
			if oc, err := h.Reader.OnChainReputation(r.Context(), agent.OnchainTokenID); err == nil {
				resp.OnChain = oc
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateTransaction handles POST /api/v1/transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}

	var deadline time.Time
	if req.DeadlineUnix != 0 {
		deadline = time.Unix(req.DeadlineUnix, 0)
	}
	t, err := h.Ledger.Create(r.Context(), req.BuyerAgentID, req.SellerAgentID, req.AmountWei, req.Currency, deadline)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTransaction handles GET /api/v1/transactions/{txID}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Ledger.Txns.GetByID(r.Context(), h.DB, r.PathValue("txID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// FundTransaction handles POST /api/v1/transactions/{txID}/fund.
func (h *Handler) FundTransaction(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	var deadline time.Time
	if req.DeadlineUnix != 0 {
		deadline = time.Unix(req.DeadlineUnix, 0)
	}
	t, err := h.Ledger.Fund(r.Context(), r.PathValue("txID"), req.EscrowID, req.EscrowTxHash, deadline)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeliverTransaction handles POST /api/v1/transactions/{txID}/deliver.
func (h *Handler) DeliverTransaction(w http.ResponseWriter, r *http.Request) {
	var req DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	hash := req.DeliverableHash
	if hash == "" && req.Deliverable != "" {
		hash = ledger.HashDeliverable(req.Deliverable)
	}
	t, err := h.Ledger.Deliver(r.Context(), r.PathValue("txID"), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ReleaseTransaction handles POST /api/v1/transactions/{txID}/release.
func (h *Handler) ReleaseTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Ledger.Release(r.Context(), r.PathValue("txID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DisputeTransaction handles POST /api/v1/transactions/{txID}/dispute.
func (h *Handler) DisputeTransaction(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	t, err := h.Ledger.Dispute(r.Context(), r.PathValue("txID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ResolveTransaction handles POST /api/v1/transactions/{txID}/resolve.
// Requires the admin capability.
func (h *Handler) ResolveTransaction(w http.ResponseWriter, r *http.Request) {
	principal := r.Header.Get(adminHeader)
	if err := h.Guard.RequireAdmin(r.Context(), principal, "resolve_dispute"); err != nil {
		writeError(w, err)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	t, err := h.Ledger.Resolve(r.Context(), r.PathValue("txID"), req.ReleaseToSeller, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PrepareBatch handles POST /api/v1/batches. Requires the admin capability.
func (h *Handler) PrepareBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.RequireAdmin(r.Context(), r.Header.Get(adminHeader), "prepare_batch"); err != nil {
		writeError(w, err)
		return
	}

	var req PrepareBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	batch, err := h.Registrar.Prepare(r.Context(), req.AgentIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// ConfirmBatch handles POST /api/v1/batches/confirm. Requires the admin capability.
func (h *Handler) ConfirmBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.RequireAdmin(r.Context(), r.Header.Get(adminHeader), "confirm_batch"); err != nil {
		writeError(w, err)
		return
	}

	var req ConfirmBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "invalid request body"})
		return
	}
	res, err := h.Registrar.Confirm(r.Context(), req.MerkleRoot, req.Chain, req.TxHash, req.AgentIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BatchStatus handles GET /api/v1/batches/status.
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Registrar.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// RunSweep handles POST /api/v1/sweeps/run. Requires the admin capability.
// It runs one synchronous pass of each sweep and reports the results.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.RequireAdmin(r.Context(), r.Header.Get(adminHeader), "run_sweep"); err != nil {
		writeError(w, err)
		return
	}

	refunds, err := h.Sweeper.SweepExpiredEscrows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	releases, err := h.Sweeper.SweepElapsedWindows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*domain.SweepResult{
		"expired_escrows": refunds,
		"elapsed_windows": releases,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if engErr, ok := err.(*domain.EngineError); ok {
		writeJSON(w, statusFor(engErr.Code), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

// statusFor maps an engine error code range to an HTTP status.
func statusFor(code int) int {
	switch {
	case code <= -32700: // store / config
		return http.StatusInternalServerError
	case code <= -32680: // guard
		return http.StatusForbidden
	case code <= -32660: // external signing
		return http.StatusBadGateway
	case code <= -32640: // state conflict
		return http.StatusConflict
	case code <= -32620: // not found
		return http.StatusNotFound
	case code <= -32600: // validation
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
