package acidstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"acidstore/internal/backend"
	"acidstore/internal/backend/memorybackend"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts, err := DefaultOptions()
	if err != nil {
		t.Fatalf("DefaultOptions: %v", err)
	}
	// Keep Argon2id cheap so the test suite doesn't pay the production
	// KDF cost on every Create/Open.
	opts.KDFParams.MemoryKiB = 64
	opts.KDFParams.Time = 1
	opts.KDFParams.Threads = 1
	opts.ChunkingMode = ChunkingFixed
	opts.FixedChunkSize = 8
	opts.Pack = false
	opts.Compression = 0
	return opts
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "correct horse", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(ctx, be, "correct horse", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r2.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenOnEmptyBackendNotFound(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	_, err := Open(ctx, be, "whatever", opts)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTwiceFailsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Create(ctx, be, "pw", opts); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "right password", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(ctx, be, "wrong password", opts); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
}

func TestOpenWhileLockedFails(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	if _, err := Open(ctx, be, "pw", opts); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while the first handle still holds the lock, got %v", err)
	}
}

func TestObjectWriteFlushCommitReopenReadsContent(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	obj, err := r.CreateObject([]byte("greeting"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	content := []byte("hello, acid store")
	if err := obj.Write(ctx, 0, content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close(ctx)

	obj2, err := r2.OpenObject([]byte("greeting"))
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	got, err := obj2.Read(ctx, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

// defaultPathOptions keeps the cheap test KDF and fixed-size chunking
// (for determinism) but, unlike testOptions, leaves Pack and
// Compression at DefaultOptions' values: packing and Zstd both on, the
// path every repository opened with no explicit options actually takes.
func defaultPathOptions(t *testing.T) Options {
	t.Helper()
	opts, err := DefaultOptions()
	if err != nil {
		t.Fatalf("DefaultOptions: %v", err)
	}
	opts.KDFParams.MemoryKiB = 64
	opts.KDFParams.Time = 1
	opts.KDFParams.Threads = 1
	opts.ChunkingMode = ChunkingFixed
	opts.FixedChunkSize = 8
	return opts
}

// TestObjectWriteFlushCommitReopenReadsContentDefaultCompressionAndPack
// exercises the default repository configuration end to end — Zstd
// compression and pack-mode both enabled, exactly what DefaultOptions
// returns — so a regression in the compressed/packed read path (spec
// §8's round-trip property) fails here rather than only in a backend
// package's narrower unit tests.
func TestObjectWriteFlushCommitReopenReadsContentDefaultCompressionAndPack(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := defaultPathOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	obj, err := r.CreateObject([]byte("greeting"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	// Longer than the plain-options test, and compressed with zstd, so each
	// chunk's stored length differs from its plaintext length (with 8-byte
	// fixed chunks the zstd frame is larger than its input), which is
	// exactly the case the uncompressed/unpacked test suite above can't
	// surface.
	content := bytes.Repeat([]byte("hello, acid store! "), 200)
	if err := obj.Write(ctx, 0, content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close(ctx)

	obj2, err := r2.OpenObject([]byte("greeting"))
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	got, err := obj2.Read(ctx, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %d bytes, want %d bytes matching original", len(got), len(content))
	}
}

func TestRollbackDiscardsUncommittedObject(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	obj, err := r.CreateObject([]byte("ephemeral"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := obj.Write(ctx, 0, []byte("never committed")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := r.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := r.OpenObject([]byte("ephemeral")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after rollback, got %v", err)
	}
}

func TestRollbackRemovesOrphanedBlocksFromBackend(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	keysBefore, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	obj, err := r.CreateObject([]byte("big"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := obj.Write(ctx, 0, bytes.Repeat([]byte("x"), 64)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	keysDuring, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keysDuring) <= len(keysBefore) {
		t.Fatal("expected Flush to have written new chunk blocks to the backend")
	}

	if err := r.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	keysAfter, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keysAfter) != len(keysBefore) {
		t.Fatalf("expected Rollback to delete the chunk blocks written this transaction, got %d keys, want %d", len(keysAfter), len(keysBefore))
	}
}

func TestDuplicateContentAcrossObjectsIsDeduped(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	content := []byte("identical payload!!")

	obj1, err := r.CreateObject([]byte("one"))
	if err != nil {
		t.Fatalf("CreateObject one: %v", err)
	}
	if err := obj1.Write(ctx, 0, content); err != nil {
		t.Fatalf("Write one: %v", err)
	}
	if err := obj1.Flush(ctx); err != nil {
		t.Fatalf("Flush one: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keysAfterFirst, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	obj2, err := r.CreateObject([]byte("two"))
	if err != nil {
		t.Fatalf("CreateObject two: %v", err)
	}
	if err := obj2.Write(ctx, 0, content); err != nil {
		t.Fatalf("Write two: %v", err)
	}
	if err := obj2.Flush(ctx); err != nil {
		t.Fatalf("Flush two: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keysAfterSecond, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// The second object's superblock+index-root churn is the only backend
	// growth expected; no new chunk blocks should appear since every
	// chunk is identical to one written for "one".
	if len(keysAfterSecond) > len(keysAfterFirst)+1 {
		t.Fatalf("expected deduplication to avoid new chunk blocks, went from %d to %d keys", len(keysAfterFirst), len(keysAfterSecond))
	}

	obj2b, err := r.OpenObject([]byte("two"))
	if err != nil {
		t.Fatalf("OpenObject two: %v", err)
	}
	got, err := obj2b.Read(ctx, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("Read two: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestRemoveObjectThenCommitReclaimsChunks(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	obj, err := r.CreateObject([]byte("solo"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := obj.Write(ctx, 0, []byte("unshared content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keysWithObject, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if err := r.RemoveObject([]byte("solo")); err != nil {
		t.Fatalf("RemoveObject: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit after remove: %v", err)
	}

	keysAfterRemove, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keysAfterRemove) >= len(keysWithObject) {
		t.Fatalf("expected committing a removal to reclaim the object's chunk blocks, got %d keys, want fewer than %d", len(keysAfterRemove), len(keysWithObject))
	}

	if _, err := r.OpenObject([]byte("solo")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCrashRecoverySweepsUnreachableBlockOnReopen(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	obj, err := r.CreateObject([]byte("obj"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := obj.Write(ctx, 0, []byte("content that gets committed")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: a block landed on the backend under a
	// key that looks like a chunk block but is reachable from nothing,
	// as if the process died after writing the block but before
	// publishing the superblock that would reference it.
	if err := be.Write(ctx, "block/deadbeefdeadbeefdeadbeefdead", []byte("orphaned garbage")); err != nil {
		t.Fatalf("simulate crash leftover: %v", err)
	}

	r2, err := Open(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close(ctx)

	keys, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, k := range keys {
		if k == "block/deadbeefdeadbeefdeadbeefdead" {
			t.Fatal("expected crash-recovery sweep on Open to remove the unreachable block")
		}
	}

	obj2, err := r2.OpenObject([]byte("obj"))
	if err != nil {
		t.Fatalf("OpenObject after recovery: %v", err)
	}
	got, err := obj2.Read(ctx, 0, uint64(len("content that gets committed")))
	if err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if string(got) != "content that gets committed" {
		t.Fatalf("got %q, want committed content preserved across recovery", got)
	}
}

func TestDefaultRegistryHasEveryDriver(t *testing.T) {
	reg := DefaultRegistry()
	want := []string{"dir", "memory", "rclone", "redis", "s3", "sftp", "sqlite"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestVerifyReportsCorruptionAcrossCommit(t *testing.T) {
	ctx := context.Background()
	be := memorybackend.New()
	opts := testOptions(t)

	r, err := Create(ctx, be, "pw", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close(ctx)

	obj, err := r.CreateObject([]byte("obj"))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := obj.Write(ctx, 0, []byte("verify me please")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keys, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var blockKey string
	for _, k := range keys {
		if k != backend.KeySuperblock && k != backend.KeySuperblockStaging &&
			k != backend.KeyLock && k != blockstoreKey(r.sb.IndexRootBlockID) {
			blockKey = k
			break
		}
	}
	if blockKey == "" {
		t.Fatal("expected at least one block key")
	}
	raw, err := be.Read(ctx, blockKey)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := be.Write(ctx, blockKey, raw); err != nil {
		t.Fatalf("Write: %v", err)
	}

	report, err := r.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(report.Corrupt) == 0 {
		t.Fatal("expected Verify to report the tampered block")
	}
}
