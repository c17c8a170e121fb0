package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/guard"
	"github.com/agentmarkets/trustline/internal/ledger"
	"github.com/agentmarkets/trustline/internal/registrar"
	"github.com/agentmarkets/trustline/internal/store"
	"github.com/agentmarkets/trustline/internal/sweeper"
)

type fakeSigner struct {
	releaseHash string
	refundHash  string
	err         error
}

func (s *fakeSigner) ReleaseEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.releaseHash, nil
}

func (s *fakeSigner) RefundEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.refundHash, nil
}

type fixture struct {
	srv   *httptest.Server
	guard *guard.Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "ipc.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lg := ledger.NewLedger(db, &fakeSigner{releaseHash: "0xrelease", refundHash: "0xrefund"})
	auth := guard.NewAuthorizer(db)
	h := &Handler{
		Ledger:    lg,
		Registrar: registrar.NewRegistrar(db),
		Sweeper:   sweeper.NewSweeper(db, lg, sweeper.Config{}),
		Guard:     auth,
		DB:        db,
		AgentRepo: lg.Agents,
	}

	srv := httptest.NewServer(newMux(h))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, guard: auth}
}

// do issues a request and decodes the JSON response into out (when non-nil).
func (f *fixture) do(t *testing.T, method, path string, body interface{}, principal string, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(adminHeader, principal)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) createAgent(t *testing.T, req CreateAgentRequest) {
	t.Helper()
	if code := f.do(t, "POST", "/api/v1/agents", req, "", nil); code != http.StatusCreated {
		t.Fatalf("create agent %s: status %d", req.ID, code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	if code := f.do(t, "GET", "/api/v1/health", nil, "", &body); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestCreateAgent_Validation(t *testing.T) {
	f := newFixture(t)

	code := f.do(t, "POST", "/api/v1/agents", CreateAgentRequest{ID: "no-wallet"}, "", nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing wallet: status = %d, want 400", code)
	}
}

func TestGetReputation(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, CreateAgentRequest{ID: "seller", WalletAddress: "0xabc"})

	var rep ReputationResponse
	if code := f.do(t, "GET", "/api/v1/agents/seller/reputation", nil, "", &rep); code != http.StatusOK {
		t.Fatalf("reputation status = %d", code)
	}
	if rep.Tier != domain.TierNew {
		t.Errorf("fresh agent tier = %q, want %q", rep.Tier, domain.TierNew)
	}

	if code := f.do(t, "GET", "/api/v1/agents/ghost/reputation", nil, "", nil); code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", code)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, CreateAgentRequest{ID: "buyer", WalletAddress: "0xb", WalletRef: "ref-b", Custodial: true})
	f.createAgent(t, CreateAgentRequest{ID: "seller", WalletAddress: "0xs"})

	var txn domain.Transaction
	code := f.do(t, "POST", "/api/v1/transactions", CreateTransactionRequest{
		BuyerAgentID:  "buyer",
		SellerAgentID: "seller",
		AmountWei:     "1000000",
	}, "", &txn)
	if code != http.StatusCreated {
		t.Fatalf("create: status = %d", code)
	}
	if txn.State != domain.TxPending {
		t.Fatalf("state after create = %s", txn.State)
	}
	base := "/api/v1/transactions/" + txn.ID

	// Deliver before fund is a state conflict.
	if code := f.do(t, "POST", base+"/deliver", DeliverRequest{DeliverableHash: "0xd"}, "", nil); code != http.StatusConflict {
		t.Errorf("deliver before fund: status = %d, want 409", code)
	}

	if code := f.do(t, "POST", base+"/fund", FundRequest{EscrowID: "esc-1", EscrowTxHash: "0xfund"}, "", &txn); code != http.StatusOK {
		t.Fatalf("fund: status = %d", code)
	}
	if txn.State != domain.TxFunded {
		t.Errorf("state after fund = %s", txn.State)
	}

	if code := f.do(t, "POST", base+"/deliver", DeliverRequest{Deliverable: "the goods"}, "", &txn); code != http.StatusOK {
		t.Fatalf("deliver: status = %d", code)
	}
	if txn.State != domain.TxDelivered || txn.DeliverableHash == "" {
		t.Errorf("after deliver: state = %s, hash = %q", txn.State, txn.DeliverableHash)
	}

	if code := f.do(t, "POST", base+"/release", nil, "", &txn); code != http.StatusOK {
		t.Fatalf("release: status = %d", code)
	}
	if txn.State != domain.TxReleased || txn.ReleaseTxHash != "0xrelease" {
		t.Errorf("after release: state = %s, hash = %q", txn.State, txn.ReleaseTxHash)
	}

	var got domain.Transaction
	if code := f.do(t, "GET", base, nil, "", &got); code != http.StatusOK {
		t.Fatalf("get: status = %d", code)
	}
	if got.State != domain.TxReleased {
		t.Errorf("fetched state = %s", got.State)
	}
}

func TestTransaction_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, CreateAgentRequest{ID: "a", WalletAddress: "0xa"})
	f.createAgent(t, CreateAgentRequest{ID: "b", WalletAddress: "0xb"})

	var apiErr APIError
	code := f.do(t, "POST", "/api/v1/transactions", CreateTransactionRequest{
		BuyerAgentID: "a", SellerAgentID: "b", AmountWei: "not-a-number",
	}, "", &apiErr)
	if code != http.StatusBadRequest {
		t.Errorf("bad amount: status = %d, want 400", code)
	}
	if apiErr.Code != domain.ErrInvalidAmount.Code {
		t.Errorf("bad amount: code = %d, want %d", apiErr.Code, domain.ErrInvalidAmount.Code)
	}

	if code := f.do(t, "GET", "/api/v1/transactions/nope", nil, "", nil); code != http.StatusNotFound {
		t.Errorf("unknown tx: status = %d, want 404", code)
	}
}

func TestResolve_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, CreateAgentRequest{ID: "buyer", WalletAddress: "0xb"})
	f.createAgent(t, CreateAgentRequest{ID: "seller", WalletAddress: "0xs"})

	var txn domain.Transaction
	f.do(t, "POST", "/api/v1/transactions", CreateTransactionRequest{
		BuyerAgentID: "buyer", SellerAgentID: "seller", AmountWei: "5000",
	}, "", &txn)
	base := "/api/v1/transactions/" + txn.ID
	f.do(t, "POST", base+"/fund", FundRequest{EscrowID: "esc-2", EscrowTxHash: "0xf"}, "", nil)
	f.do(t, "POST", base+"/deliver", DeliverRequest{DeliverableHash: "0xd"}, "", nil)
	if code := f.do(t, "POST", base+"/dispute", DisputeRequest{Reason: "item never matched the listing"}, "", nil); code != http.StatusOK {
		t.Fatalf("dispute: status = %d", code)
	}

	body := ResolveRequest{ReleaseToSeller: true}
	if code := f.do(t, "POST", base+"/resolve", body, "", nil); code != http.StatusForbidden {
		t.Errorf("resolve without principal: status = %d, want 403", code)
	}
	if code := f.do(t, "POST", base+"/resolve", body, "nobody", nil); code != http.StatusForbidden {
		t.Errorf("resolve as non-admin: status = %d, want 403", code)
	}

	if err := f.guard.GrantAdmin(context.Background(), "ops"); err != nil {
		t.Fatalf("GrantAdmin: %v", err)
	}
	if code := f.do(t, "POST", base+"/resolve", body, "ops", &txn); code != http.StatusOK {
		t.Fatalf("resolve as admin: status = %d", code)
	}
	if txn.State != domain.TxReleased || txn.DisputeResolvedBy != "ops" {
		t.Errorf("after resolve: state = %s, resolvedBy = %q", txn.State, txn.DisputeResolvedBy)
	}
}

func TestBatchEndpoints(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("agent-%d", i)
		f.createAgent(t, CreateAgentRequest{
			ID:            id,
			WalletAddress: fmt.Sprintf("0x%040d", i),
			IdentityJSON:  fmt.Sprintf(`{"name":%q}`, id),
		})
	}

	if code := f.do(t, "POST", "/api/v1/batches", PrepareBatchRequest{}, "", nil); code != http.StatusForbidden {
		t.Fatalf("prepare without admin: status = %d, want 403", code)
	}
	if err := f.guard.GrantAdmin(context.Background(), "ops"); err != nil {
		t.Fatalf("GrantAdmin: %v", err)
	}

	var batch domain.BatchRegistration
	if code := f.do(t, "POST", "/api/v1/batches", PrepareBatchRequest{}, "ops", &batch); code != http.StatusCreated {
		t.Fatalf("prepare: status = %d", code)
	}
	if batch.MerkleRoot == "" || len(batch.Entries) != 3 {
		t.Fatalf("batch root = %q, entries = %d", batch.MerkleRoot, len(batch.Entries))
	}

	var res domain.ConfirmResult
	code := f.do(t, "POST", "/api/v1/batches/confirm", ConfirmBatchRequest{
		MerkleRoot: batch.MerkleRoot,
		Chain:      "base",
		TxHash:     "0xmined",
	}, "ops", &res)
	if code != http.StatusOK {
		t.Fatalf("confirm: status = %d", code)
	}
	if !res.Success || res.Registered != 3 {
		t.Errorf("confirm result = %+v", res)
	}

	var status registrar.RegistrationStatus
	if code := f.do(t, "GET", "/api/v1/batches/status", nil, "", &status); code != http.StatusOK {
		t.Fatalf("status: status = %d", code)
	}
	if status.Registered != 3 || status.Eligible != 0 {
		t.Errorf("registration status = %+v", status)
	}
}

func TestRunSweep(t *testing.T) {
	f := newFixture(t)

	if code := f.do(t, "POST", "/api/v1/sweeps/run", nil, "", nil); code != http.StatusForbidden {
		t.Errorf("sweep without admin: status = %d, want 403", code)
	}
	if err := f.guard.GrantAdmin(context.Background(), "ops"); err != nil {
		t.Fatalf("GrantAdmin: %v", err)
	}

	var results map[string]*domain.SweepResult
	if code := f.do(t, "POST", "/api/v1/sweeps/run", nil, "ops", &results); code != http.StatusOK {
		t.Fatalf("sweep as admin: status = %d", code)
	}
	for _, key := range []string{"expired_escrows", "elapsed_windows"} {
		if results[key] == nil {
			t.Errorf("missing %s result", key)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		code int
		want int
	}{
		{domain.ErrInvalidInput.Code, http.StatusBadRequest},
		{domain.ErrInvalidAmount.Code, http.StatusBadRequest},
		{domain.ErrAgentNotFound.Code, http.StatusNotFound},
		{domain.ErrStateConflict.Code, http.StatusConflict},
		{domain.ErrDisputeWindowClosed.Code, http.StatusConflict},
		{domain.ErrSigningFailed.Code, http.StatusBadGateway},
		{domain.ErrAdminRequired.Code, http.StatusForbidden},
		{domain.ErrStoreQuery.Code, http.StatusInternalServerError},
		{0, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.code); got != tc.want {
			t.Errorf("statusFor(%d) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
