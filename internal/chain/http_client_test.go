package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_ReleaseEscrow(t *testing.T) {
	var gotPath, gotAuth, gotWalletRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req signRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotWalletRef = req.WalletRef
		json.NewEncoder(w).Encode(signResponse{TxHash: "0xdeadbeef"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	hash, err := c.ReleaseEscrow(context.Background(), "wref-1", "esc-1")
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if hash != "0xdeadbeef" {
		t.Errorf("hash = %q, want 0xdeadbeef", hash)
	}
	if gotPath != "/v1/escrows/esc-1/release" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotWalletRef != "wref-1" {
		t.Errorf("wallet ref = %q", gotWalletRef)
	}
}

func TestHTTPClient_GatewayErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.RefundEscrow(context.Background(), "wref-1", "esc-1")
	if err == nil {
		t.Fatal("RefundEscrow succeeded, want error")
	}
	if !Retryable(err) {
		t.Errorf("503 error should classify as retryable: %v", err)
	}
}

func TestHTTPClient_EmptyTxHashRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signResponse{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	if _, err := c.ReleaseEscrow(context.Background(), "w", "e"); err == nil {
		t.Error("empty tx hash should be an error")
	}
}

func TestHTTPClient_OnChainReputation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/identity/tok-1/reputation":
			json.NewEncoder(w).Encode(reputationResponse{Count: 7, SummaryValue: 450, SummaryValueDecimals: 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")

	got, err := c.OnChainReputation(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("OnChainReputation: %v", err)
	}
	if got.Count != 7 || got.SummaryValue != 450 || got.SummaryValueDecimals != 2 {
		t.Errorf("reputation = %+v", got)
	}

	// No feedback yet maps to (nil, nil), not an error.
	got, err = c.OnChainReputation(context.Background(), "tok-unknown")
	if err != nil {
		t.Fatalf("OnChainReputation miss: %v", err)
	}
	if got != nil {
		t.Errorf("miss = %+v, want nil", got)
	}
}
