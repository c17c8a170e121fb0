// Package ledger implements the escrow transaction state machine. Every
// transition is a conditional write against the expected source state, so
// concurrent callers race safely: exactly one wins, the rest get
// ErrStateConflict.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/agentmarkets/trustline/internal/chain"
	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/reputation"
	"github.com/agentmarkets/trustline/internal/store"
)

// validTransitions defines the legal escrow state transitions.
var validTransitions = map[domain.TxState]map[domain.TxState]bool{
	domain.TxPending:   {domain.TxFunded: true},
	domain.TxFunded:    {domain.TxDelivered: true, domain.TxRefunded: true},
	domain.TxDelivered: {domain.TxReleased: true, domain.TxDisputed: true},
	domain.TxDisputed:  {domain.TxReleased: true, domain.TxRefunded: true},
}

// IsValidTransition checks if an escrow state transition is legal.
func IsValidTransition(from, to domain.TxState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// RefundReasonDeadline marks an automatic refund of an expired, undelivered
// escrow.
const RefundReasonDeadline = "deadline_expired_auto"

// refundReasonDispute marks a refund ordered by dispute resolution.
const refundReasonDispute = "dispute_resolved_buyer"

// Ledger drives escrow transitions against the store and the external signer.
type Ledger struct {
	DB          *sql.DB
	Agents      *store.AgentRepo
	Txns        *store.TxRepo
	Feedback    *store.FeedbackRepo
	Signer      chain.Signer
	SignTimeout time.Duration
	Clock       func() time.Time // overridable for tests
}

// NewLedger creates a Ledger with default repos and timeouts.
func NewLedger(db *sql.DB, signer chain.Signer) *Ledger {
	return &Ledger{
		DB:          db,
		Agents:      &store.AgentRepo{},
		Txns:        &store.TxRepo{},
		Feedback:    &store.FeedbackRepo{},
		Signer:      signer,
		SignTimeout: 30 * time.Second,
		Clock:       time.Now,
	}
}

func (l *Ledger) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// HashDeliverable returns the 0x-prefixed keccak256 of deliverable content,
// the same digest the escrow contract stores on-chain.
func HashDeliverable(content string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(content))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Create opens a new PENDING escrow between two distinct agents.
func (l *Ledger) Create(ctx context.Context, buyerID, sellerID, amountWei, currency string, deadline time.Time) (*domain.Transaction, error) {
	if buyerID == sellerID {
		return nil, domain.ErrSelfDealing
	}
	if _, err := ParseWei(amountWei); err != nil {
		return nil, err
	}
	if _, err := l.Agents.GetByID(ctx, l.DB, buyerID); err != nil {
		return nil, err
	}
	if _, err := l.Agents.GetByID(ctx, l.DB, sellerID); err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "USDC"
	}

	t := domain.Transaction{
		ID:            uuid.NewString(),
		BuyerAgentID:  buyerID,
		SellerAgentID: sellerID,
		AmountWei:     amountWei,
		Currency:      currency,
		State:         domain.TxPending,
		Deadline:      unixOrZero(deadline),
		CreatedAt:     l.now().Unix(),
	}
	if err := l.Txns.Create(ctx, l.DB, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Fund performs PENDING -> FUNDED once the caller has verified the on-chain
// escrow. AmountWei is immutable from this point on.
func (l *Ledger) Fund(ctx context.Context, txID, escrowID, escrowTxHash string, deadline time.Time) (*domain.Transaction, error) {
	if escrowTxHash == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "escrow tx hash is required")
	}
	if err := l.Txns.MarkFunded(ctx, l.DB, txID, escrowID, escrowTxHash, unixOrZero(deadline), l.now().Unix()); err != nil {
		return nil, l.conflictDetail(ctx, nil, txID, err)
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// Deliver performs FUNDED -> DELIVERED. The dispute window is sized from the
// seller's reputation tier at this instant and never recalculated: later tier
// changes must not retroactively alter an open window.
func (l *Ledger) Deliver(ctx context.Context, txID, deliverableHash string) (*domain.Transaction, error) {
	if deliverableHash == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "deliverable hash is required")
	}

	t, err := l.Txns.GetByID(ctx, l.DB, txID)
	if err != nil {
		return nil, err
	}

	summary, err := l.GetReputation(ctx, t.SellerAgentID)
	if err != nil {
		return nil, err
	}
	windowHours := summary.DisputeWindowHours

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := l.Txns.MarkDeliveredTx(ctx, tx, txID, deliverableHash, "", windowHours, l.now().Unix()); err != nil {
		return nil, l.conflictDetail(ctx, tx, txID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delivery: %w", err)
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// Release performs DELIVERED -> RELEASED: buyer confirmation, or the sweeper
// after the dispute window elapses with no dispute. The signer call happens
// first; the row only changes after signing succeeds, and the terminal state,
// the release evidence, the seller feedback and the settled totals are
// written in one transaction.
func (l *Ledger) Release(ctx context.Context, txID string) (*domain.Transaction, error) {
	t, err := l.Txns.GetByID(ctx, l.DB, txID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	if t.State != domain.TxDelivered {
		return nil, domain.ErrStateConflict
	}

	buyer, err := l.Agents.GetByID(ctx, l.DB, t.BuyerAgentID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, l.SignTimeout)
	defer cancel()
	hash, err := l.Signer.ReleaseEscrow(sctx, buyer.WalletRef, escrowRef(t))
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrSigningFailed.Code, "release escrow", err)
	}

	if err := l.settleRelease(ctx, t, hash, func(tx *sql.Tx, now int64) error {
		return l.Txns.MarkReleasedTx(ctx, tx, t.ID, hash, now)
	}, domain.OutcomeReleased); err != nil {
		return nil, err
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// Dispute performs DELIVERED -> DISPUTED. Only allowed within the frozen
// dispute window, and the reason must carry enough substance to arbitrate.
func (l *Ledger) Dispute(ctx context.Context, txID, reason string) (*domain.Transaction, error) {
	if len(strings.TrimSpace(reason)) < 10 {
		return nil, domain.ErrDisputeReasonShort
	}

	t, err := l.Txns.GetByID(ctx, l.DB, txID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	if t.State != domain.TxDelivered {
		return nil, domain.ErrStateConflict
	}

	now := l.now().Unix()
	if end := t.DisputeWindowEndsAt(); end > 0 && now > end {
		return nil, domain.ErrDisputeWindowClosed
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := l.Txns.MarkDisputedTx(ctx, tx, txID, strings.TrimSpace(reason), "", now); err != nil {
		return nil, l.conflictDetail(ctx, tx, txID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dispute: %w", err)
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// Resolve performs DISPUTED -> RELEASED or DISPUTED -> REFUNDED on an admin
// decision. The on-chain resolution is executed under the backoff policy
// before any row changes; the terminal state, resolution record and seller
// feedback land in one transaction.
func (l *Ledger) Resolve(ctx context.Context, txID string, releaseToSeller bool, resolvedBy string) (*domain.Transaction, error) {
	t, err := l.Txns.GetByID(ctx, l.DB, txID)
	if err != nil {
		return nil, err
	}
	if t.DisputeResolvedAt != 0 {
		return nil, domain.ErrDisputeAlreadyResolved
	}
	if t.State != domain.TxDisputed {
		if t.State.Terminal() {
			return nil, domain.ErrAlreadyTerminal
		}
		return nil, domain.ErrStateConflict
	}

	buyer, err := l.Agents.GetByID(ctx, l.DB, t.BuyerAgentID)
	if err != nil {
		return nil, err
	}

	res, err := chain.WithRetry(ctx, chain.DefaultRetryConfig, func(rctx context.Context) (string, error) {
		sctx, cancel := context.WithTimeout(rctx, l.SignTimeout)
		defer cancel()
		if releaseToSeller {
			return l.Signer.ReleaseEscrow(sctx, buyer.WalletRef, escrowRef(t))
		}
		return l.Signer.RefundEscrow(sctx, buyer.WalletRef, escrowRef(t))
	})
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrSigningFailed.Code, "resolve dispute on-chain", err)
	}

	if releaseToSeller {
		err = l.settleRelease(ctx, t, res.TxHash, func(tx *sql.Tx, now int64) error {
			return l.Txns.ResolveTx(ctx, tx, t.ID, domain.TxReleased, domain.ResolutionSellerWins, resolvedBy, res.TxHash, "", now)
		}, domain.OutcomeDisputedRelease)
	} else {
		err = l.settleRefund(ctx, t, res.TxHash, func(tx *sql.Tx, now int64) error {
			return l.Txns.ResolveTx(ctx, tx, t.ID, domain.TxRefunded, domain.ResolutionBuyerWins, resolvedBy, res.TxHash, refundReasonDispute, now)
		}, domain.OutcomeDisputedRefund)
	}
	if err != nil {
		return nil, err
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// Timeout performs FUNDED -> REFUNDED for an escrow whose deadline passed
// without delivery. Custodied buyers are refunded through the signer, and the
// row only changes if signing succeeds; a failure leaves the row FUNDED so
// the next sweep retries it. Externally-owned buyers get a mark-only refund
// and claim the on-chain funds themselves.
func (l *Ledger) Timeout(ctx context.Context, txID string) (*domain.Transaction, error) {
	t, err := l.Txns.GetByID(ctx, l.DB, txID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	if t.State != domain.TxFunded {
		return nil, domain.ErrStateConflict
	}
	if t.Deadline == 0 || l.now().Unix() < t.Deadline {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "deadline has not passed")
	}

	buyer, err := l.Agents.GetByID(ctx, l.DB, t.BuyerAgentID)
	if err != nil {
		return nil, err
	}

	refundTxHash := ""
	if buyer.Custodial && buyer.WalletRef != "" {
		sctx, cancel := context.WithTimeout(ctx, l.SignTimeout)
		defer cancel()
		hash, err := l.Signer.RefundEscrow(sctx, buyer.WalletRef, escrowRef(t))
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrSigningFailed.Code, "refund escrow", err)
		}
		refundTxHash = hash
	}

	if err := l.settleRefund(ctx, t, refundTxHash, func(tx *sql.Tx, now int64) error {
		return l.Txns.MarkRefundedTx(ctx, tx, t.ID, refundTxHash, RefundReasonDeadline, now)
	}, domain.OutcomeRefunded); err != nil {
		return nil, err
	}
	return l.Txns.GetByID(ctx, l.DB, txID)
}

// GetReputation answers a reputation query for an agent. A fresh cache is
// served as-is; an absent cache is recomputed from the feedback history, or
// from aggregate outcome counts when no feedback rows exist yet.
func (l *Ledger) GetReputation(ctx context.Context, agentID string) (*domain.ReputationSummary, error) {
	agent, err := l.Agents.GetByID(ctx, l.DB, agentID)
	if err != nil {
		return nil, err
	}

	if agent.ReputationUpdatedAt != 0 {
		return &domain.ReputationSummary{
			AgentID:            agentID,
			Score:              agent.ReputationScore,
			Tier:               agent.ReputationTier,
			TotalTransactions:  agent.ReputationTxCount,
			DisputeWindowHours: reputation.DisputeWindowHours(agent.ReputationTier),
			Cached:             true,
			LastUpdated:        agent.ReputationUpdatedAt,
		}, nil
	}

	score, tier, count, err := l.Recompute(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &domain.ReputationSummary{
		AgentID:            agentID,
		Score:              score,
		Tier:               tier,
		TotalTransactions:  count,
		DisputeWindowHours: reputation.DisputeWindowHours(tier),
		Cached:             false,
		LastUpdated:        l.now().Unix(),
	}, nil
}

// Recompute derives an agent's score from the full feedback history. When the
// agent has no feedback rows it falls back to the aggregate-stats
// approximation over terminal transactions.
func (l *Ledger) Recompute(ctx context.Context, agentID string) (float64, domain.Tier, int, error) {
	feedbacks, err := l.Feedback.ListByAgent(ctx, l.DB, agentID)
	if err != nil {
		return 0, domain.TierNew, 0, err
	}
	if len(feedbacks) > 0 {
		score, tier, count := reputation.Score(feedbacks)
		return score, tier, count, nil
	}

	released, refunded, disputed, err := l.Txns.SellerOutcomeCounts(ctx, l.DB, agentID)
	if err != nil {
		return 0, domain.TierNew, 0, err
	}
	score, tier, count := reputation.ScoreFromStats(reputation.Stats{
		Released: released,
		Refunded: refunded,
		Disputed: disputed,
	})
	return score, tier, count, nil
}

// settleRelease writes a RELEASED terminal transition: the CAS update, the
// seller feedback and the settled totals, all in one transaction.
func (l *Ledger) settleRelease(ctx context.Context, t *domain.Transaction, onchainHash string, transition func(*sql.Tx, int64) error, outcome domain.Outcome) error {
	sellerWei, _, err := SplitFee(t.AmountWei)
	if err != nil {
		return err
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := l.now().Unix()
	if err := transition(tx, now); err != nil {
		return l.conflictDetail(ctx, tx, t.ID, err)
	}
	if err := l.Feedback.InsertTx(ctx, tx, l.feedbackFor(t, outcome, onchainHash, now)); err != nil {
		return err
	}
	if err := l.Agents.AddSettledTotalsTx(ctx, tx, t.SellerAgentID, t.BuyerAgentID, sellerWei, t.AmountWei); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

// settleRefund writes a REFUNDED terminal transition: the CAS update and the
// seller feedback in one transaction. No totals move on a refund.
func (l *Ledger) settleRefund(ctx context.Context, t *domain.Transaction, onchainHash string, transition func(*sql.Tx, int64) error, outcome domain.Outcome) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := l.now().Unix()
	if err := transition(tx, now); err != nil {
		return l.conflictDetail(ctx, tx, t.ID, err)
	}
	if err := l.Feedback.InsertTx(ctx, tx, l.feedbackFor(t, outcome, onchainHash, now)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// feedbackFor builds the seller's feedback row for a terminal outcome. The
// rating is derived from the outcome, never supplied by a caller.
func (l *Ledger) feedbackFor(t *domain.Transaction, outcome domain.Outcome, onchainHash string, now int64) domain.ReputationFeedback {
	return domain.ReputationFeedback{
		ID:              uuid.NewString(),
		AgentID:         t.SellerAgentID,
		TransactionID:   t.ID,
		Rating:          reputation.RatingFor(outcome),
		Outcome:         outcome,
		EscrowID:        escrowRef(t),
		AmountWei:       t.AmountWei,
		Currency:        t.Currency,
		DurationSeconds: now - t.CreatedAt,
		TxHash:          onchainHash,
		DeliverableHash: t.DeliverableHash,
		CreatedAt:       now,
	}
}

// conflictDetail upgrades a bare state conflict to an already-terminal error
// when the row has in fact settled, so callers can tell the two apart. With
// the connection pool capped at one, a caller holding an open transaction
// must pass it in; the inspection read goes through it rather than the pool.
func (l *Ledger) conflictDetail(ctx context.Context, tx *sql.Tx, txID string, err error) error {
	if err != domain.ErrStateConflict {
		return err
	}
	var cur *domain.Transaction
	var gerr error
	if tx != nil {
		cur, gerr = l.Txns.GetByIDTx(ctx, tx, txID)
	} else {
		cur, gerr = l.Txns.GetByID(ctx, l.DB, txID)
	}
	if gerr == nil && cur.State.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	return err
}

// unixOrZero keeps a zero time.Time meaning "no deadline" instead of the
// zero value's huge negative unix timestamp.
func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func escrowRef(t *domain.Transaction) string {
	if t.EscrowID != "" {
		return t.EscrowID
	}
	return t.ID
}
