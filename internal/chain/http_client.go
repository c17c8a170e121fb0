package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmarkets/trustline/internal/domain"
)

// HTTPClient talks to an external custody/chain gateway over HTTP. It
// implements both Signer and Reader. Errors embed the HTTP status text so
// Retryable can classify gateway overloads (502/503) as transient.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPClient creates a client for the gateway at baseURL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type signRequest struct {
	WalletRef string `json:"wallet_ref"`
}

type signResponse struct {
	TxHash string `json:"tx_hash"`
}

// ReleaseEscrow asks the gateway to sign and submit an escrow release.
func (c *HTTPClient) ReleaseEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	return c.sign(ctx, walletRef, escrowRef, "release")
}

// RefundEscrow asks the gateway to sign and submit an escrow refund.
func (c *HTTPClient) RefundEscrow(ctx context.Context, walletRef, escrowRef string) (string, error) {
	return c.sign(ctx, walletRef, escrowRef, "refund")
}

func (c *HTTPClient) sign(ctx context.Context, walletRef, escrowRef, action string) (string, error) {
	body, err := json.Marshal(signRequest{WalletRef: walletRef})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/escrows/%s/%s", c.BaseURL, escrowRef, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s escrow %s: %w", action, escrowRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%s escrow %s: gateway returned %s: %s", action, escrowRef, resp.Status, strings.TrimSpace(string(data)))
	}

	var sr signResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("%s escrow %s: decode response: %w", action, escrowRef, err)
	}
	if sr.TxHash == "" {
		return "", fmt.Errorf("%s escrow %s: gateway returned no tx hash", action, escrowRef)
	}
	return sr.TxHash, nil
}

type reputationResponse struct {
	Count                int64 `json:"count"`
	SummaryValue         int64 `json:"summary_value"`
	SummaryValueDecimals int   `json:"summary_value_decimals"`
}

// OnChainReputation reads the feedback summary for an identity token.
// A 404 from the gateway means the token has no feedback yet and maps to
// (nil, nil).
func (c *HTTPClient) OnChainReputation(ctx context.Context, tokenID string) (*OnChainReputation, error) {
	url := fmt.Sprintf("%s/v1/identity/%s/reputation", c.BaseURL, tokenID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read reputation for %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewEngineError(domain.ErrChainRead.Code,
			fmt.Sprintf("read reputation for %s: gateway returned %s", tokenID, resp.Status))
	}

	var rr reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("read reputation for %s: decode response: %w", tokenID, err)
	}
	return &OnChainReputation{
		Count:                rr.Count,
		SummaryValue:         rr.SummaryValue,
		SummaryValueDecimals: rr.SummaryValueDecimals,
	}, nil
}
