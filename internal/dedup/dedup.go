// Package dedup implements the deduplication index (spec §4.5): a
// content-addressed map from chunk_id to its storage locator and
// refcount, loaded from the committed index on open and mutated through
// a per-transaction staging overlay.
//
// The concurrency shape — one sync.RWMutex guarding a pair of maps, an
// RLock fast path and a Lock slow path with a double-checked insert — is
// the teacher's internal/source.Registry pattern, carried over here
// because the access pattern is identical: mostly-reads punctuated by
// occasional inserts that must not race.
package dedup

import (
	"sync"

	"acidstore/internal/apierr"
)

// ChunkID is the content hash identifying a chunk (spec §3, BLAKE2b-256
// in this implementation — see internal/crypto.HashChunk).
type ChunkID [32]byte

// Locator records where a chunk lives once sealed into a block: which
// block, and the byte range within the block's decrypted payload. That
// payload is still compressed (spec §4.4 seals compress-then-encrypt
// per chunk), so Offset/Length address the compressed bytes; recovering
// the chunk's plaintext takes one more decompress pass over that slice.
type Locator struct {
	BlockID [16]byte
	Offset  uint32
	Length  uint32
}

// entry pairs a chunk's locator with its reference count across all
// committed objects.
type entry struct {
	locator  Locator
	refcount int64
}

// Index is the deduplication index for one open repository. The zero
// value is not usable; construct with New.
type Index struct {
	mu sync.RWMutex

	// base holds the committed state as of the last open or commit.
	base map[ChunkID]*entry

	// staging holds the delta for the in-progress transaction: refcount
	// changes (positive for new references, negative for removed ones)
	// and locators for chunks newly written in this transaction that
	// don't exist in base yet.
	staging map[ChunkID]*stagingEntry
}

type stagingEntry struct {
	locator     Locator
	hasLocator  bool
	refcountDel int64
}

// New returns an Index with no committed entries, ready to have Load
// called or to start accumulating staged writes from scratch.
func New() *Index {
	return &Index{
		base:    make(map[ChunkID]*entry),
		staging: make(map[ChunkID]*stagingEntry),
	}
}

// Load replaces the committed base map with entries decoded from the
// index block tree (internal/txn), as read at repository open.
func (idx *Index) Load(entries map[ChunkID]Locator, refcounts map[ChunkID]int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.base = make(map[ChunkID]*entry, len(entries))
	for id, loc := range entries {
		idx.base[id] = &entry{locator: loc, refcount: refcounts[id]}
	}
	idx.staging = make(map[ChunkID]*stagingEntry)
}

// Lookup returns the locator for id, consulting the staging overlay
// first as spec §4.5 requires. The returned bool is false if id is
// unknown (present in neither staging nor base) or has been fully
// dereferenced in staging.
func (idx *Index) Lookup(id ChunkID) (Locator, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookupLocked(id)
}

func (idx *Index) lookupLocked(id ChunkID) (Locator, bool) {
	if se, ok := idx.staging[id]; ok {
		if se.hasLocator {
			return se.locator, true
		}
		if be, ok := idx.base[id]; ok {
			if be.refcount+se.refcountDel > 0 {
				return be.locator, true
			}
			return Locator{}, false
		}
		return Locator{}, false
	}
	if be, ok := idx.base[id]; ok && be.refcount > 0 {
		return be.locator, true
	}
	return Locator{}, false
}

// StageWrite records a reference to id in the staging overlay. If the
// chunk is new to this repository (not in base, not already staged with
// a locator), locator is recorded; existing chunks reuse their base
// locator and only their refcount is bumped. Returns true if this call
// deduplicated against an already-known chunk (base or earlier in this
// same transaction).
func (idx *Index) StageWrite(id ChunkID, locator Locator) (deduped bool) {
	idx.mu.RLock()
	_, existsInBase := idx.base[id]
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	se, ok := idx.staging[id]
	if !ok {
		se = &stagingEntry{}
		idx.staging[id] = se
	}
	alreadyKnown := existsInBase || se.hasLocator
	if !alreadyKnown {
		se.locator = locator
		se.hasLocator = true
	}
	se.refcountDel++
	return alreadyKnown
}

// UpdateStagedLocator patches the locator recorded for id in the staging
// overlay without touching its refcount delta. Used by the block store
// to resolve a chunk's final (block_id, offset, length) once its open
// pack is sealed — StageWrite recorded a provisional pack-local locator
// at write time, before the pack's block_id existed.
func (idx *Index) UpdateStagedLocator(id ChunkID, locator Locator) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	se, ok := idx.staging[id]
	if !ok {
		se = &stagingEntry{}
		idx.staging[id] = se
	}
	se.locator = locator
	se.hasLocator = true
}

// StageRemove decrements id's staged refcount, recording an object
// removal. It is a no-op on the refcount arithmetic if id is unknown;
// callers are expected to have validated that the object referenced it.
func (idx *Index) StageRemove(id ChunkID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	se, ok := idx.staging[id]
	if !ok {
		se = &stagingEntry{}
		idx.staging[id] = se
	}
	se.refcountDel--
}

// DiscardStaging clears the staging overlay without touching base,
// implementing the non-side-effecting half of rollback (spec §4.6); the
// caller is still responsible for deleting any staging-only blocks from
// the backend.
func (idx *Index) DiscardStaging() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.staging = make(map[ChunkID]*stagingEntry)
}

// OrphanedChunk is a chunk whose merged refcount reached zero, paired
// with its last known locator so the caller can schedule the
// now-unreferenced block for deletion.
type OrphanedChunk struct {
	ChunkID ChunkID
	Locator Locator
}

// MergeResult reports the effect of folding the staging overlay into
// base during commit.
type MergeResult struct {
	// Orphaned lists chunks whose merged refcount dropped to zero; the
	// transaction manager schedules their uniquely-referenced blocks for
	// deletion once the new superblock is durable. Note a block may back
	// more than one packed chunk, so callers must not delete a block
	// referenced by a chunk that is still live elsewhere — the
	// transaction manager's crash-recovery sweep is the backstop for any
	// block this list under- or over-reports.
	Orphaned []OrphanedChunk
}

// Merge folds the staging overlay into base, as spec §4.5 prescribes for
// commit: any chunk_id whose merged refcount reaches zero is removed
// from the map. Staging is cleared afterward.
func (idx *Index) Merge() MergeResult {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var result MergeResult
	for id, se := range idx.staging {
		be, ok := idx.base[id]
		if !ok {
			if !se.hasLocator {
				// Refcount delta with nothing to attach it to; nothing
				// was ever durably written for this id in this
				// transaction, so there is nothing to merge.
				continue
			}
			be = &entry{locator: se.locator}
			idx.base[id] = be
		}
		be.refcount += se.refcountDel
		if be.refcount <= 0 {
			delete(idx.base, id)
			result.Orphaned = append(result.Orphaned, OrphanedChunk{ChunkID: id, Locator: be.locator})
		}
	}
	idx.staging = make(map[ChunkID]*stagingEntry)
	return result
}

// Snapshot returns the committed (base) chunk_id -> locator/refcount
// state, for serialization into new index blocks during commit.
func (idx *Index) Snapshot() (entries map[ChunkID]Locator, refcounts map[ChunkID]int64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entries = make(map[ChunkID]Locator, len(idx.base))
	refcounts = make(map[ChunkID]int64, len(idx.base))
	for id, e := range idx.base {
		entries[id] = e.locator
		refcounts[id] = e.refcount
	}
	return entries, refcounts
}

// ErrUnknownChunk is returned by callers (not this package directly)
// when a chunk_id referenced by an object is absent from both staging
// and base — this always indicates index corruption, never ordinary
// miss, since object writes always stage their chunks before referencing
// them.
var ErrUnknownChunk = apierr.ErrCorrupt
