// Package chain defines the contracts the engine consumes from the on-chain
// world: the external transaction signer and the read-only chain client.
// Implementations are injected at wiring time; HTTPClient is the gateway-backed
// one this module ships.
package chain

import "context"

// Signer executes escrow settlement transactions on behalf of a
// platform-custodied wallet. A returned error means "not yet done": the
// caller leaves its own state untouched and may retry later.
type Signer interface {
	ReleaseEscrow(ctx context.Context, walletRef, escrowRef string) (txHash string, err error)
	RefundEscrow(ctx context.Context, walletRef, escrowRef string) (txHash string, err error)
}

// OnChainReputation is the feedback summary stored against an identity token.
type OnChainReputation struct {
	Count                int64
	SummaryValue         int64
	SummaryValueDecimals int
}

// Reader reads identity and reputation state from the chain.
// OnChainReputation returns (nil, nil) when the token has no feedback yet;
// implementations must map a zero-feedback revert to that "no data" result
// rather than an error.
type Reader interface {
	OnChainReputation(ctx context.Context, tokenID string) (*OnChainReputation, error)
}
