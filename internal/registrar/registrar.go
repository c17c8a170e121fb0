package registrar

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/store"
)

// Registrar stages and confirms Merkle-batched identity registrations.
// Prepare is pure bookkeeping; Confirm is called after the operator has
// posted the root on-chain and carries the resulting transaction hash.
type Registrar struct {
	DB      *sql.DB
	Agents  *store.AgentRepo
	Batches *store.BatchRepo
	Clock   func() time.Time
}

func NewRegistrar(db *sql.DB) *Registrar {
	return &Registrar{
		DB:      db,
		Agents:  &store.AgentRepo{},
		Batches: &store.BatchRepo{},
		Clock:   time.Now,
	}
}

// RegistrationStatus summarizes the registration pipeline.
type RegistrationStatus struct {
	Eligible   int                        `json:"eligible"`
	Registered int                        `json:"registered"`
	Batches    []domain.BatchRegistration `json:"batches"`
}

// Prepare stages a batch for the given agents, or for every eligible agent
// when ids is empty. Agents are deduplicated and sorted ascending by ID so
// the same input set always produces the same root. The staged batch is keyed
// by its Merkle root and replaces any earlier staging of the same root.
func (r *Registrar) Prepare(ctx context.Context, ids []string) (*domain.BatchRegistration, error) {
	if len(ids) == 0 {
		eligible, err := r.Agents.ListEligibleForRegistration(ctx, r.DB)
		if err != nil {
			return nil, err
		}
		ids = eligible
	}

	seen := make(map[string]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	if len(uniq) == 0 {
		return nil, domain.NewEngineError(domain.ErrEmptyBatch.Code, "no agents eligible for registration")
	}

	leaves := make([][]byte, 0, len(uniq))
	entries := make([]domain.BatchEntry, 0, len(uniq))
	for _, id := range uniq {
		agent, err := r.Agents.GetByID(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		if !agent.EligibleForRegistration() {
			return nil, domain.NewEngineError(domain.ErrInvalidInput.Code,
				fmt.Sprintf("agent %s is not eligible for registration", id))
		}

		var meta domain.TokenMetadata
		if err := json.Unmarshal([]byte(agent.IdentityJSON), &meta); err != nil {
			return nil, domain.NewEngineError(domain.ErrInvalidInput.Code,
				fmt.Sprintf("agent %s has malformed identity metadata: %v", id, err))
		}

		leaf := leafFor(agent.ID, agent.WalletAddress, agent.IdentityJSON)
		leaves = append(leaves, leaf)
		entries = append(entries, domain.BatchEntry{
			AgentID:  agent.ID,
			Leaf:     toHex(leaf),
			Metadata: meta,
		})
	}

	root, proofs := buildTree(leaves)
	for i := range entries {
		hexProof := make([]string, 0, len(proofs[i]))
		for _, p := range proofs[i] {
			hexProof = append(hexProof, toHex(p))
		}
		entries[i].Proof = hexProof
	}

	batch := domain.BatchRegistration{
		MerkleRoot: toHex(root),
		Entries:    entries,
		CreatedAt:  r.Clock().Unix(),
	}
	if err := r.Batches.Stage(ctx, r.DB, batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Confirm records the on-chain commitment of a previously staged batch and
// marks each member agent registered. agentIDs narrows the confirmation to a
// subset of the staged batch; empty means every staged entry. Each entry's
// inclusion proof is re-verified against the stored root first. Per-agent
// failures do not abort the rest of the batch; an agent that was registered
// through another batch in the meantime is skipped without being counted as a
// failure. Confirm is idempotent: re-confirming a fully registered batch
// registers zero agents.
func (r *Registrar) Confirm(ctx context.Context, merkleRoot, chain, txHash string, agentIDs []string) (*domain.ConfirmResult, error) {
	if merkleRoot == "" || chain == "" || txHash == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "merkle root, chain and tx hash are required")
	}

	batch, err := r.Batches.GetByRoot(ctx, r.DB, merkleRoot)
	if err != nil {
		return nil, err
	}

	var requested map[string]bool
	if len(agentIDs) > 0 {
		requested = make(map[string]bool, len(agentIDs))
		for _, id := range agentIDs {
			requested[id] = true
		}
	}

	now := r.Clock().Unix()
	if err := r.Batches.MarkConfirmed(ctx, r.DB, merkleRoot, chain, txHash, now); err != nil {
		return nil, err
	}

	res := &domain.ConfirmResult{}
	for _, entry := range batch.Entries {
		if requested != nil {
			if !requested[entry.AgentID] {
				continue
			}
			delete(requested, entry.AgentID)
		}
		if !VerifyProof(entry.Leaf, entry.Proof, batch.MerkleRoot) {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, entry.AgentID)
			continue
		}
		applied, err := r.Agents.SetOnchainRegistration(ctx, r.DB, entry.AgentID, batch.MerkleRoot, chain, txHash, now)
		if err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, entry.AgentID)
			continue
		}
		if applied {
			res.Registered++
		}
	}
	// Requested agents absent from the staged batch could not be applied.
	for id := range requested {
		res.Failed++
		res.FailedIDs = append(res.FailedIDs, id)
	}
	res.Success = res.Failed == 0
	return res, nil
}

// Status reports pipeline counts and the most recently staged batches.
func (r *Registrar) Status(ctx context.Context) (*RegistrationStatus, error) {
	eligible, err := r.Agents.ListEligibleForRegistration(ctx, r.DB)
	if err != nil {
		return nil, err
	}
	registered, err := r.Agents.CountRegistered(ctx, r.DB)
	if err != nil {
		return nil, err
	}
	batches, err := r.Batches.ListRecent(ctx, r.DB, 20)
	if err != nil {
		return nil, err
	}
	return &RegistrationStatus{
		Eligible:   len(eligible),
		Registered: registered,
		Batches:    batches,
	}, nil
}
