package txn

import (
	"context"
	"errors"
	"testing"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
	"acidstore/internal/backend/memorybackend"
	"acidstore/internal/blockstore"
	"acidstore/internal/crypto"
)

func TestCommitThenReadSuperblockRoundTrip(t *testing.T) {
	be := memorybackend.New()
	key := testKey(t)
	mgr := NewManager(be, key, true, nil)
	ctx := context.Background()

	next, err := mgr.Commit(ctx, Superblock{}, CommitInput{IndexBlob: []byte("index-v1")})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.TxCounter != 1 {
		t.Fatalf("got tx_counter %d, want 1", next.TxCounter)
	}

	got, err := mgr.ReadSuperblock(ctx)
	if err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}
	if got.TxCounter != 1 || got.IndexRootBlockID != next.IndexRootBlockID {
		t.Fatalf("read-back superblock mismatch: %+v vs %+v", got, next)
	}

	index, err := mgr.ReadIndex(ctx, got)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if string(index) != "index-v1" {
		t.Fatalf("got index %q, want index-v1", index)
	}
}

func TestReadSuperblockMissingIsNotFound(t *testing.T) {
	be := memorybackend.New()
	mgr := NewManager(be, testKey(t), true, nil)
	_, err := mgr.ReadSuperblock(context.Background())
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitReclaimsOldIndexRoot(t *testing.T) {
	be := memorybackend.New()
	key := testKey(t)
	mgr := NewManager(be, key, true, nil)
	ctx := context.Background()

	first, err := mgr.Commit(ctx, Superblock{}, CommitInput{IndexBlob: []byte("v1")})
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	oldRootKey := blockstore.BlockIDToKey(first.IndexRootBlockID)
	if _, err := be.Read(ctx, oldRootKey); err != nil {
		t.Fatalf("expected first index root present: %v", err)
	}

	second, err := mgr.Commit(ctx, first, CommitInput{IndexBlob: []byte("v2, a longer index blob")})
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if second.IndexRootBlockID == first.IndexRootBlockID {
		t.Fatal("expected a new index root block id on second commit")
	}
	if _, err := be.Read(ctx, oldRootKey); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected old index root reclaimed, got err=%v", err)
	}
}

func TestCommitRemovesOrphanedChunkBlocks(t *testing.T) {
	be := memorybackend.New()
	key := testKey(t)
	mgr := NewManager(be, key, true, nil)
	ctx := context.Background()

	orphanID, err := crypto.GenerateBlockID()
	if err != nil {
		t.Fatalf("GenerateBlockID: %v", err)
	}
	if err := be.Write(ctx, blockstore.BlockIDToKey(orphanID), []byte("stale chunk block")); err != nil {
		t.Fatalf("seed orphan block: %v", err)
	}

	if _, err := mgr.Commit(ctx, Superblock{}, CommitInput{IndexBlob: []byte("v1"), OrphanedBlocks: [][16]byte{orphanID}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := be.Read(ctx, blockstore.BlockIDToKey(orphanID)); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected orphaned block removed, got err=%v", err)
	}
}

func TestRecoverSweepsUnreachableBlocks(t *testing.T) {
	be := memorybackend.New()
	key := testKey(t)
	mgr := NewManager(be, key, true, nil)
	ctx := context.Background()

	reachableID, err := crypto.GenerateBlockID()
	if err != nil {
		t.Fatalf("GenerateBlockID: %v", err)
	}
	unreachableID, err := crypto.GenerateBlockID()
	if err != nil {
		t.Fatalf("GenerateBlockID: %v", err)
	}
	if err := be.Write(ctx, blockstore.BlockIDToKey(reachableID), []byte("keep")); err != nil {
		t.Fatalf("write reachable: %v", err)
	}
	if err := be.Write(ctx, blockstore.BlockIDToKey(unreachableID), []byte("orphan")); err != nil {
		t.Fatalf("write unreachable: %v", err)
	}
	if err := be.Write(ctx, backend.KeySuperblock, []byte("not-a-block-should-be-untouched")); err != nil {
		t.Fatalf("write superblock sentinel: %v", err)
	}

	reachable := map[string]struct{}{blockstore.BlockIDToKey(reachableID): {}}
	if err := mgr.Recover(ctx, reachable); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := be.Read(ctx, blockstore.BlockIDToKey(reachableID)); err != nil {
		t.Fatalf("expected reachable block to survive: %v", err)
	}
	if _, err := be.Read(ctx, blockstore.BlockIDToKey(unreachableID)); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected unreachable block swept, got err=%v", err)
	}
	if _, err := be.Read(ctx, backend.KeySuperblock); err != nil {
		t.Fatalf("expected reserved superblock key untouched: %v", err)
	}
}
