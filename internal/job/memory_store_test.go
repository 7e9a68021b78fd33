package job

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testSolve(tag byte, block uint64) Solve {
	var h common.Hash
	h[0] = tag
	var miner common.Address
	miner[19] = tag
	return Solve{
		SourceTxHash: h,
		BlockNumber:  block,
		TxIndex:      2,
		LogIndex:     1,
		Epoch:        1,
		Miner:        miner,
		Nonce:        "12345678901234567890123456789",
		WorkUnits:    1,
		Digest:       common.HexToHash("0x01"),
	}
}

func TestMemoryStore_Create_DedupesBySourceTxHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	in := testSolve(0xaa, 100)
	j, created, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create #1: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if j.Status != StatusSeen {
		t.Fatalf("status: got %v want %v", j.Status, StatusSeen)
	}

	dup := in
	dup.WorkUnits = 99
	j2, created, err := s.Create(ctx, dup)
	if err != nil {
		t.Fatalf("Create #2: %v", err)
	}
	if created {
		t.Fatalf("expected created=false")
	}
	if j2.ID != j.ID || j2.WorkUnits != 1 {
		t.Fatalf("duplicate returned unexpected job: %+v", j2)
	}

	all, err := s.ListAll(ctx, 0)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("jobs: got %d want 1", len(all))
	}
}

func TestMemoryStore_Create_RejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()

	bad := testSolve(0x01, 1)
	bad.Nonce = "0xabc"
	if _, _, err := s.Create(context.Background(), bad); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}

	bad = testSolve(0x01, 1)
	bad.SourceTxHash = common.Hash{}
	if _, _, err := s.Create(context.Background(), bad); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestMemoryStore_ListOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	for i := byte(1); i <= 3; i++ {
		if _, _, err := s.Create(ctx, testSolve(i, uint64(i))); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	seen, err := s.ListByStatus(ctx, StatusSeen, 0)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(seen) != 3 || seen[0].SourceTxHash[0] != 1 || seen[2].SourceTxHash[0] != 3 {
		t.Fatalf("ListByStatus not oldest first: %+v", seen)
	}

	limited, err := s.ListByStatus(ctx, StatusSeen, 2)
	if err != nil {
		t.Fatalf("ListByStatus limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited len: got %d want 2", len(limited))
	}

	all, err := s.ListAll(ctx, 2)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 || all[0].SourceTxHash[0] != 3 || all[1].SourceTxHash[0] != 2 {
		t.Fatalf("ListAll not newest first: %+v", all)
	}

	max, ok, err := s.MaxBlockNumber(ctx)
	if err != nil || !ok || max != 3 {
		t.Fatalf("MaxBlockNumber: got %d %v %v", max, ok, err)
	}
}

func TestMemoryStore_StateMachine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, _ := s.MaxBlockNumber(ctx); ok {
		t.Fatalf("expected empty store to report no max block")
	}

	j, _, err := s.Create(ctx, testSolve(0x01, 100))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.UpdateStatus(ctx, j.ID, StatusSubmitted, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for SEEN->SUBMITTED, got %v", err)
	}

	if _, err := s.UpdateStatus(ctx, j.ID, StatusAttesting, Update{}); err != nil {
		t.Fatalf("ATTESTING: %v", err)
	}
	bundle := []byte(`{"merkleRoot":"0x01"}`)
	if _, err := s.UpdateStatus(ctx, j.ID, StatusProofReady, Update{ProofBundle: bundle}); err != nil {
		t.Fatalf("PROOF_READY: %v", err)
	}
	bundle[0] = 'X'

	txHash := common.HexToHash("0x77")
	if _, err := s.UpdateStatus(ctx, j.ID, StatusSubmitted, Update{DestinationTxHash: &txHash}); err != nil {
		t.Fatalf("SUBMITTED: %v", err)
	}
	got, err := s.UpdateStatus(ctx, j.ID, StatusCredited, Update{})
	if err != nil {
		t.Fatalf("CREDITED: %v", err)
	}
	if got.DestinationTxHash != txHash {
		t.Fatalf("destination tx hash: got %s want %s", got.DestinationTxHash, txHash)
	}
	if string(got.ProofBundle) != `{"merkleRoot":"0x01"}` {
		t.Fatalf("proof bundle not copied: %s", got.ProofBundle)
	}

	for _, to := range AllStatuses() {
		if _, err := s.UpdateStatus(ctx, j.ID, to, Update{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("CREDITED -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}

	if _, err := s.UpdateStatus(ctx, 999, StatusAttesting, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	byHash, err := s.GetByTxHash(ctx, j.SourceTxHash)
	if err != nil {
		t.Fatalf("GetByTxHash: %v", err)
	}
	if byHash.Status != StatusCredited {
		t.Fatalf("status: got %v want %v", byHash.Status, StatusCredited)
	}
}

func TestMemoryStore_FailedKeepsErrorMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	j, _, err := s.Create(ctx, testSolve(0x02, 5))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, j.ID, StatusAttesting, Update{}); err != nil {
		t.Fatalf("ATTESTING: %v", err)
	}
	msg := "proof: exhausted"
	got, err := s.UpdateStatus(ctx, j.ID, StatusFailed, Update{ErrorMessage: &msg})
	if err != nil {
		t.Fatalf("FAILED: %v", err)
	}
	if got.ErrorMessage != msg {
		t.Fatalf("error message: got %q want %q", got.ErrorMessage, msg)
	}
}
