// Package domain defines the core types for the Trustline settlement engine.
package domain

// TxState represents the escrow state of a transaction.
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxFunded    TxState = "FUNDED"
	TxDelivered TxState = "DELIVERED"
	TxDisputed  TxState = "DISPUTED"
	TxReleased  TxState = "RELEASED"
	TxRefunded  TxState = "REFUNDED"
)

// Terminal reports whether the state allows no further transitions.
func (s TxState) Terminal() bool {
	return s == TxReleased || s == TxRefunded
}

// Tier is the reputation classification bucket for an agent.
type Tier string

const (
	TierNew      Tier = "NEW"
	TierTrusted  Tier = "TRUSTED"
	TierReliable Tier = "RELIABLE"
	TierStandard Tier = "STANDARD"
	TierCaution  Tier = "CAUTION"
)

// Outcome is the settlement outcome a feedback rating is derived from.
type Outcome string

const (
	OutcomeReleased        Outcome = "released"
	OutcomeRefunded        Outcome = "refunded"
	OutcomeDisputedRelease Outcome = "disputed_release"
	OutcomeDisputedRefund  Outcome = "disputed_refund"
)

// Resolution records which side an admin decision favored.
type Resolution string

const (
	ResolutionSellerWins Resolution = "SELLER_WINS"
	ResolutionBuyerWins  Resolution = "BUYER_WINS"
)

// Agent is a registered trading agent. The reputation fields are a cached
// read-optimization; the feedback history is the source of truth.
// OnchainTokenID is set at most once: registration is a one-way transition.
type Agent struct {
	ID                  string
	Name                string
	WalletAddress       string
	WalletRef           string // custody reference, empty for externally-owned wallets
	Custodial           bool
	IdentityJSON        string // registration metadata staged for on-chain identity
	ReputationScore     float64
	ReputationTier      Tier
	ReputationTxCount   int
	ReputationUpdatedAt int64 // unix, 0 means the cache is absent
	TotalEarnedWei      string
	TotalSpentWei       string
	OnchainTokenID      string
	OnchainChain        string
	OnchainTxHash       string
	OnchainRegisteredAt int64
	CreatedAt           int64
}

// Registered reports whether the agent identity has been committed on-chain.
func (a *Agent) Registered() bool {
	return a.OnchainTokenID != ""
}

// EligibleForRegistration reports whether the agent can enter a batch:
// it has registration metadata and is not yet on-chain.
func (a *Agent) EligibleForRegistration() bool {
	return a.IdentityJSON != "" && a.OnchainTokenID == ""
}

// Transaction is a single escrow between a buyer and a seller. AmountWei is a
// decimal-string integer in the asset's smallest unit and is immutable once
// the row reaches FUNDED. DisputeWindowHours is frozen at delivery time.
type Transaction struct {
	ID                 string
	BuyerAgentID       string
	SellerAgentID      string
	AmountWei          string
	Currency           string
	State              TxState
	Deadline           int64 // unix, overall expiry while FUNDED
	DisputeWindowHours int   // 0 until delivery
	CreatedAt          int64
	FundedAt           int64
	DeliveredAt        int64
	CompletedAt        int64
	DeliverableHash    string
	EscrowID           string
	EscrowTxHash       string
	DeliverTxHash      string
	ReleaseTxHash      string
	RefundTxHash       string
	RefundReason       string
	DisputedAt         int64
	DisputeReason      string
	DisputeTxHash      string
	DisputeResolvedAt  int64
	DisputeResolution  Resolution
	DisputeResolvedBy  string
}

// Disputed reports whether a dispute was ever raised on this transaction.
// There is no separate boolean column; dispute status is derived from the
// state machine history.
func (t *Transaction) Disputed() bool {
	return t.State == TxDisputed || t.DisputedAt != 0
}

// DisputeWindowEndsAt returns the unix time the buyer-protection window
// closes, or 0 if the transaction has not been delivered.
func (t *Transaction) DisputeWindowEndsAt() int64 {
	if t.DeliveredAt == 0 || t.DisputeWindowHours == 0 {
		return 0
	}
	return t.DeliveredAt + int64(t.DisputeWindowHours)*3600
}

// ReputationFeedback is one immutable settlement-outcome record for a seller.
// The ledger is the only writer, exactly once per terminal transaction.
type ReputationFeedback struct {
	ID              string
	AgentID         string
	TransactionID   string
	Rating          int // 1-5, derived from Outcome, never entered manually
	Outcome         Outcome
	EscrowID        string
	AmountWei       string
	Currency        string
	DurationSeconds int64
	TxHash          string
	DeliverableHash string
	CreatedAt       int64
}

// TokenMetadata is the public identity metadata attached to a batch entry.
type TokenMetadata struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	AgentVersion string `json:"agent_version"`
}

// BatchEntry is one agent's slot in a staged identity batch.
type BatchEntry struct {
	AgentID  string        `json:"agent_id"`
	Leaf     string        `json:"leaf"` // 0x-prefixed keccak256 hex
	Proof    []string      `json:"proof"`
	Metadata TokenMetadata `json:"metadata"`
}

// BatchRegistration is the staged output of a prepare call, persisted until
// confirm consumes it. Entries are ordered ascending by agent ID so the same
// input set always yields the same root and proofs.
type BatchRegistration struct {
	MerkleRoot  string
	Entries     []BatchEntry
	CreatedAt   int64
	ConfirmedAt int64
	Chain       string
	TxHash      string
}

// ConfirmResult reports the per-agent outcome of a confirm call. The batch is
// best-effort: one agent's failure does not roll back the others.
type ConfirmResult struct {
	Success    bool
	Registered int
	Failed     int
	FailedIDs  []string
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Processed  int
	Successful int
	Failed     int
}

// ReputationSummary is the answer to a reputation query.
type ReputationSummary struct {
	AgentID            string
	Score              float64
	Tier               Tier
	TotalTransactions  int
	DisputeWindowHours int
	Cached             bool
	LastUpdated        int64
}

// AuditRecord logs administrative actions and permission denials.
type AuditRecord struct {
	ID         string
	Category   string
	Actor      string
	Action     string
	SubjectID  string
	DetailJSON string
	Severity   string
	CreatedAt  int64
}

// SweepRun records one execution of a periodic sweep.
type SweepRun struct {
	ID          int64
	RunType     string
	StartedAt   int64
	CompletedAt int64
	Processed   int
	Successful  int
	Failed      int
}
