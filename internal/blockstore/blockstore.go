// Package blockstore implements the block store (spec §4.4): the
// per-chunk write/read pipeline of hash, dedup, compress, encrypt, and
// either single-block or packed storage, plus the inverse read path.
package blockstore

import (
	"context"
	"fmt"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
	"acidstore/internal/callgroup"
	"acidstore/internal/crypto"
	"acidstore/internal/dedup"
)

// Config controls how the Store seals new chunks.
type Config struct {
	Compression Compression
	// Encrypted selects AEAD sealing (true) or the keyed-MAC integrity
	// mode (false) per spec §4.2.
	Encrypted bool
	// Pack enables pack-mode: chunks are accumulated into an in-memory
	// open pack and sealed as one block once PackTargetSize is reached
	// (spec §4.4 step 6), instead of one block per chunk.
	Pack           bool
	PackTargetSize int
}

// DefaultConfig returns sensible defaults: zstd compression, encryption
// on, packing on with a 4 MiB target block size.
func DefaultConfig() Config {
	return Config{
		Compression:    CompressionZstd,
		Encrypted:      true,
		Pack:           true,
		PackTargetSize: 4 << 20,
	}
}

// WriteResult is returned by Write for a single chunk.
type WriteResult struct {
	Locator dedup.Locator
	Deduped bool
}

// Store is the block store for one open repository/transaction. It
// holds the in-memory open pack for the current transaction and
// coalesces concurrent reads of the same block through a callgroup.
type Store struct {
	backend backend.Backend
	index   *dedup.Index
	key     crypto.MasterKey
	cfg     Config

	readGroup callgroup.Group[string, openedBlock]

	openPack *pack

	// writtenThisTxn records every block written since the last Commit
	// or Rollback, so Rollback can delete them: a rolled-back transaction
	// must leave no trace on the backend (spec §4.6's "delete
	// staging-only blocks").
	writtenThisTxn [][16]byte
}

type pack struct {
	buf      []byte
	payloads []packedPayload
}

// openedBlock is a sealed block's payload after decryption/MAC
// verification, still compressed: the unit cached by readGroup so
// concurrent readers of the same block share one backend round-trip and
// one decrypt pass, each then decompressing only the chunk slice they
// asked for.
type openedBlock struct {
	payload     []byte
	compression Compression
}

type packedPayload struct {
	chunkID dedup.ChunkID
	offset  uint32
	length  uint32
}

// New returns a Store writing/reading blocks through be, consulting and
// updating idx for deduplication, sealing with key under cfg.
func New(be backend.Backend, idx *dedup.Index, key crypto.MasterKey, cfg Config) *Store {
	return &Store{backend: be, index: idx, key: key, cfg: cfg}
}

// Write implements spec §4.4's per-chunk-write pipeline. plaintext is the
// chunk's raw bytes as produced by internal/chunker.
func (s *Store) Write(ctx context.Context, plaintext []byte) (WriteResult, error) {
	chunkID := dedup.ChunkID(crypto.HashChunk(plaintext))

	// Step 2: dedup check happens inside StageWrite, but we need a
	// locator to stage *something*; if the chunk already exists we can
	// stage a zero-value locator since StageWrite.deduped==true means it
	// is discarded in favor of the existing one. To avoid wasted
	// compression/encryption work, check Lookup first.
	if existing, ok := s.index.Lookup(chunkID); ok {
		s.index.StageWrite(chunkID, existing)
		return WriteResult{Locator: existing, Deduped: true}, nil
	}

	compressed, err := compress(s.cfg.Compression, plaintext)
	if err != nil {
		return WriteResult{}, err
	}

	var locator dedup.Locator
	if s.cfg.Pack {
		locator, err = s.appendToPack(ctx, compressed, chunkID)
	} else {
		locator, err = s.writeSingleBlock(ctx, compressed, chunkID)
	}
	if err != nil {
		return WriteResult{}, err
	}

	s.index.StageWrite(chunkID, locator)
	return WriteResult{Locator: locator, Deduped: false}, nil
}

func (s *Store) writeSingleBlock(ctx context.Context, payload []byte, chunkID dedup.ChunkID) (dedup.Locator, error) {
	blockID, err := crypto.GenerateBlockID()
	if err != nil {
		return dedup.Locator{}, err
	}
	nonceOrMAC, sealed, err := s.seal(blockID, payload)
	if err != nil {
		return dedup.Locator{}, err
	}
	entries := []blockEntry{{chunkID: [32]byte(chunkID), offset: 0, length: uint32(len(payload))}}
	encoded := encodeBlock(s.cfg.Compression, s.cfg.Encrypted, entries, nonceOrMAC, sealed)
	if err := s.backend.Write(ctx, blockIDToKey(blockID), encoded); err != nil {
		return dedup.Locator{}, err
	}
	s.writtenThisTxn = append(s.writtenThisTxn, blockID)
	return dedup.Locator{BlockID: blockID, Offset: 0, Length: uint32(len(payload))}, nil
}

// pendingBlockID is the sentinel locator.BlockID for a chunk that has
// been compressed and appended to the current open pack but not yet
// sealed into a backend block. Its true location — within
// s.openPack.buf — is resolved by Read without a backend round-trip,
// and then overwritten with the real block_id once FlushPack runs. A
// colliding real block_id (all-zero, probability 2^-128) is accepted as
// negligible.
var pendingBlockID [16]byte

func (s *Store) appendToPack(ctx context.Context, payload []byte, chunkID dedup.ChunkID) (dedup.Locator, error) {
	if s.openPack == nil {
		s.openPack = &pack{}
	}
	p := s.openPack
	offset := uint32(len(p.buf))
	p.buf = append(p.buf, payload...)
	p.payloads = append(p.payloads, packedPayload{chunkID: chunkID, offset: offset, length: uint32(len(payload))})

	locator := dedup.Locator{BlockID: pendingBlockID, Offset: offset, Length: uint32(len(payload))}

	if len(p.buf) >= s.cfg.PackTargetSize {
		if err := s.FlushPack(ctx); err != nil {
			return dedup.Locator{}, err
		}
		// FlushPack re-staged this chunk's final locator; reflect that
		// back to the caller too.
		if resolved, ok := s.index.Lookup(chunkID); ok {
			return resolved, nil
		}
	}
	return locator, nil
}

// FlushPack seals the current open pack into a single block (spec §4.4
// step 6, and §4.8's flush(handle) operation), writing it to the
// backend and patching every member chunk's staged locator now that the
// block_id is known. It is a no-op if no pack is open or it is empty.
func (s *Store) FlushPack(ctx context.Context) error {
	p := s.openPack
	if p == nil || len(p.buf) == 0 {
		s.openPack = nil
		return nil
	}
	blockID, err := crypto.GenerateBlockID()
	if err != nil {
		return err
	}
	nonceOrMAC, sealed, err := s.seal(blockID, p.buf)
	if err != nil {
		return err
	}
	entries := make([]blockEntry, len(p.payloads))
	for i, member := range p.payloads {
		entries[i] = blockEntry{chunkID: [32]byte(member.chunkID), offset: member.offset, length: member.length}
	}
	encoded := encodeBlock(s.cfg.Compression, s.cfg.Encrypted, entries, nonceOrMAC, sealed)
	if err := s.backend.Write(ctx, blockIDToKey(blockID), encoded); err != nil {
		return err
	}
	s.writtenThisTxn = append(s.writtenThisTxn, blockID)
	for _, member := range p.payloads {
		loc := dedup.Locator{BlockID: blockID, Offset: member.offset, Length: member.length}
		s.index.UpdateStagedLocator(member.chunkID, loc)
	}
	s.openPack = nil
	return nil
}

func (s *Store) seal(blockID [16]byte, payload []byte) (nonceOrMAC, sealed []byte, err error) {
	if s.cfg.Encrypted {
		nonce, ciphertext, err := crypto.SealBlock(s.key, blockID, FormatVersion, payload)
		if err != nil {
			return nil, nil, err
		}
		return nonce, ciphertext, nil
	}
	mac, err := crypto.MAC(s.key, payload)
	if err != nil {
		return nil, nil, err
	}
	return mac[:], payload, nil
}

// Read implements spec §4.4's per-chunk-read pipeline: fetch the block,
// slice at (offset,length) in the block's decrypted-but-still-compressed
// payload, decompress just that slice, and verify the content hash
// matches chunkID. A hash mismatch, AEAD failure, or MAC failure all
// surface as apierr.ErrCorrupt.
func (s *Store) Read(ctx context.Context, chunkID dedup.ChunkID, loc dedup.Locator) ([]byte, error) {
	var opened openedBlock
	var err error
	if loc.BlockID == pendingBlockID && s.openPack != nil {
		opened = openedBlock{payload: s.openPack.buf, compression: s.cfg.Compression}
	} else {
		key := blockIDToKey(loc.BlockID)
		opened, err = s.readGroup.Do(key, func() (openedBlock, error) {
			return s.readAndOpenBlock(ctx, loc.BlockID)
		})
	}
	if err != nil {
		return nil, err
	}
	if int(loc.Offset)+int(loc.Length) > len(opened.payload) {
		return nil, apierr.New("blockstore.Read", apierr.KindCorrupt, fmt.Errorf("locator out of range for block"))
	}
	compressedChunk := opened.payload[loc.Offset : loc.Offset+loc.Length]

	plaintext, err := decompress(opened.compression, compressedChunk)
	if err != nil {
		return nil, err
	}

	got := crypto.HashChunk(plaintext)
	if dedup.ChunkID(got) != chunkID {
		return nil, apierr.New("blockstore.Read", apierr.KindCorrupt, fmt.Errorf("chunk hash mismatch"))
	}
	// Return a defensive copy: for CompressionNone, decompress returns
	// the input slice unchanged, which the callgroup/open-pack buffer
	// shares across concurrent callers.
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

// readAndOpenBlock fetches one full block from the backend and verifies
// and opens its AEAD/MAC envelope. The result is the decrypted payload
// shared by every chunk packed into this block — still compressed, one
// concatenated compressed blob per chunk — left for Read to slice and
// decompress per chunk.
func (s *Store) readAndOpenBlock(ctx context.Context, blockID [16]byte) (openedBlock, error) {
	raw, err := s.backend.Read(ctx, blockIDToKey(blockID))
	if err != nil {
		return openedBlock{}, err
	}
	decoded, err := decodeBlock(raw, crypto.NonceSize, crypto.HashSize)
	if err != nil {
		return openedBlock{}, err
	}

	var payload []byte
	if decoded.encrypted {
		payload, err = crypto.OpenBlock(s.key, blockID, FormatVersion, decoded.nonceOrMAC, decoded.payload)
		if err != nil {
			return openedBlock{}, err
		}
	} else {
		var mac [crypto.HashSize]byte
		copy(mac[:], decoded.nonceOrMAC)
		if err := crypto.VerifyMAC(s.key, decoded.payload, mac); err != nil {
			return openedBlock{}, err
		}
		payload = decoded.payload
	}

	return openedBlock{payload: payload, compression: decoded.compression}, nil
}

// RemoveBlock deletes a block that became fully unreferenced (spec
// §4.6 step 5). Nothing in this module calls it: the transaction
// manager (txn.Manager) removes reclaimed blocks through the backend
// directly.
func (s *Store) RemoveBlock(ctx context.Context, blockID [16]byte) error {
	return s.backend.Remove(ctx, blockIDToKey(blockID))
}

// Rollback discards the current transaction's open pack and deletes
// every block written since the last Commit/Rollback, so a rolled-back
// transaction leaves no trace on the backend (spec §4.6: "discard the
// staging overlay; delete staging-only blocks from the backend").
func (s *Store) Rollback(ctx context.Context) error {
	s.openPack = nil
	var firstErr error
	for _, blockID := range s.writtenThisTxn {
		if err := s.backend.Remove(ctx, blockIDToKey(blockID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.writtenThisTxn = nil
	return firstErr
}

// ResetTransaction clears the written-block tracking list after a
// successful commit, so the next transaction starts with a clean slate.
func (s *Store) ResetTransaction() {
	s.writtenThisTxn = nil
}
