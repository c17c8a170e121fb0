package registrar

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/store"
)

func newTestRegistrar(t *testing.T) (*Registrar, *sql.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := NewRegistrar(db)
	r.Clock = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return r, db
}

func seedAgents(t *testing.T, db *sql.DB, ids ...string) {
	t.Helper()
	repo := &store.AgentRepo{}
	for _, id := range ids {
		a := domain.Agent{
			ID:            id,
			WalletAddress: "0x00112233445566778899aabbccddeeff00112233",
			IdentityJSON:  `{"name":"` + id + `","description":"test agent","agent_version":"1.0"}`,
		}
		if err := repo.Create(context.Background(), db, a); err != nil {
			t.Fatalf("create agent %s: %v", id, err)
		}
	}
}

func TestPrepare_StagesSortedBatch(t *testing.T) {
	r, db := newTestRegistrar(t)
	seedAgents(t, db, "charlie", "alice", "bob")

	batch, err := r.Prepare(context.Background(), nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(batch.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(batch.Entries))
	}
	// Entries come back ascending by agent ID so the root is reproducible.
	want := []string{"alice", "bob", "charlie"}
	for i, entry := range batch.Entries {
		if entry.AgentID != want[i] {
			t.Errorf("entry %d = %s, want %s", i, entry.AgentID, want[i])
		}
		if entry.Metadata.Name != entry.AgentID {
			t.Errorf("entry %d metadata name = %q", i, entry.Metadata.Name)
		}
	}

	// Every entry's proof verifies against the staged root.
	for _, entry := range batch.Entries {
		if !VerifyProof(entry.Leaf, entry.Proof, batch.MerkleRoot) {
			t.Errorf("proof for %s does not verify", entry.AgentID)
		}
	}

	// Duplicates and order in the request do not change the root.
	again, err := r.Prepare(context.Background(), []string{"bob", "alice", "charlie", "alice"})
	if err != nil {
		t.Fatalf("Prepare again: %v", err)
	}
	if again.MerkleRoot != batch.MerkleRoot {
		t.Errorf("roots differ: %s vs %s", again.MerkleRoot, batch.MerkleRoot)
	}

	// The batch is persisted and retrievable by root.
	stored, err := (&store.BatchRepo{}).GetByRoot(context.Background(), db, batch.MerkleRoot)
	if err != nil {
		t.Fatalf("GetByRoot: %v", err)
	}
	if len(stored.Entries) != 3 {
		t.Errorf("stored entries = %d, want 3", len(stored.Entries))
	}
}

func TestPrepare_Validation(t *testing.T) {
	r, db := newTestRegistrar(t)
	ctx := context.Background()

	// Nothing eligible at all.
	if _, err := r.Prepare(ctx, nil); err == nil {
		t.Error("Prepare with no eligible agents should fail")
	}

	// An agent without identity metadata is not eligible.
	repo := &store.AgentRepo{}
	if err := repo.Create(ctx, db, domain.Agent{ID: "bare", WalletAddress: "0xabc"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := r.Prepare(ctx, []string{"bare"}); err == nil {
		t.Error("Prepare with an ineligible agent should fail")
	}

	if _, err := r.Prepare(ctx, []string{"missing"}); err != domain.ErrAgentNotFound {
		t.Errorf("Prepare(missing) = %v, want ErrAgentNotFound", err)
	}
}

func TestConfirm_RegistersOnce(t *testing.T) {
	r, db := newTestRegistrar(t)
	ctx := context.Background()
	seedAgents(t, db, "a1", "a2")

	batch, err := r.Prepare(ctx, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	res, err := r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !res.Success || res.Registered != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 registered", res)
	}

	agents := &store.AgentRepo{}
	a, err := agents.GetByID(ctx, db, "a1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if a.OnchainTokenID != batch.MerkleRoot || a.OnchainChain != "base" || a.OnchainTxHash != "0xcommit" {
		t.Errorf("registration = (%q, %q, %q)", a.OnchainTokenID, a.OnchainChain, a.OnchainTxHash)
	}

	// Re-confirming is idempotent: nothing new registers, nothing fails.
	res, err = r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", nil)
	if err != nil {
		t.Fatalf("re-Confirm: %v", err)
	}
	if !res.Success || res.Registered != 0 || res.Failed != 0 {
		t.Errorf("re-confirm result = %+v, want 0 registered 0 failed", res)
	}
}

func TestConfirm_OddBatchRoundTrip(t *testing.T) {
	r, db := newTestRegistrar(t)
	ctx := context.Background()
	seedAgents(t, db, "a1", "a2", "a3")

	// A three-entry batch forces a duplicated node at the first tree level, so
	// the full prepare/confirm cycle exercises those proofs end to end.
	batch, err := r.Prepare(ctx, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(batch.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(batch.Entries))
	}

	res, err := r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !res.Success || res.Registered != 3 || res.Failed != 0 {
		t.Errorf("result = %+v, want 3 registered", res)
	}

	agents := &store.AgentRepo{}
	for _, id := range []string{"a1", "a2", "a3"} {
		a, err := agents.GetByID(ctx, db, id)
		if err != nil {
			t.Fatalf("GetByID %s: %v", id, err)
		}
		if a.OnchainTokenID != batch.MerkleRoot {
			t.Errorf("%s token = %q, want batch root", id, a.OnchainTokenID)
		}
	}

	res, err = r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", nil)
	if err != nil {
		t.Fatalf("re-Confirm: %v", err)
	}
	if !res.Success || res.Registered != 0 || res.Failed != 0 {
		t.Errorf("re-confirm result = %+v, want 0 registered 0 failed", res)
	}
}

func TestConfirm_SubsetAndUnknownIDs(t *testing.T) {
	r, db := newTestRegistrar(t)
	ctx := context.Background()
	seedAgents(t, db, "a1", "a2", "a3")

	batch, err := r.Prepare(ctx, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Confirming a subset leaves the rest of the batch untouched.
	res, err := r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", []string{"a2"})
	if err != nil {
		t.Fatalf("Confirm subset: %v", err)
	}
	if !res.Success || res.Registered != 1 {
		t.Errorf("subset result = %+v, want 1 registered", res)
	}
	agents := &store.AgentRepo{}
	a1, err := agents.GetByID(ctx, db, "a1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if a1.Registered() {
		t.Error("a1 should not be registered by a subset confirm of a2")
	}

	// An id that is not part of the staged batch is reported as failed.
	res, err = r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", []string{"a1", "outsider"})
	if err != nil {
		t.Fatalf("Confirm with unknown id: %v", err)
	}
	if res.Success || res.Registered != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 registered 1 failed", res)
	}
	if len(res.FailedIDs) != 1 || res.FailedIDs[0] != "outsider" {
		t.Errorf("FailedIDs = %v", res.FailedIDs)
	}
}

func TestConfirm_Validation(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	if _, err := r.Confirm(ctx, "", "base", "0xtx", nil); err == nil {
		t.Error("Confirm without root should fail")
	}
	if _, err := r.Confirm(ctx, "0xroot", "", "0xtx", nil); err == nil {
		t.Error("Confirm without chain should fail")
	}
	if _, err := r.Confirm(ctx, "0xunknown", "base", "0xtx", nil); err != domain.ErrBatchNotFound {
		t.Errorf("Confirm(unknown root) = %v, want ErrBatchNotFound", err)
	}
}

func TestStatus(t *testing.T) {
	r, db := newTestRegistrar(t)
	ctx := context.Background()
	seedAgents(t, db, "a1", "a2", "a3")

	batch, err := r.Prepare(ctx, []string{"a1", "a2"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := r.Confirm(ctx, batch.MerkleRoot, "base", "0xcommit", nil); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	status, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Eligible != 1 {
		t.Errorf("Eligible = %d, want 1", status.Eligible)
	}
	if status.Registered != 2 {
		t.Errorf("Registered = %d, want 2", status.Registered)
	}
	if len(status.Batches) != 1 || status.Batches[0].ConfirmedAt == 0 {
		t.Errorf("Batches = %+v", status.Batches)
	}
}
