package txn

import (
	"context"
	"log/slog"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
	"acidstore/internal/blockstore"
	"acidstore/internal/crypto"
	"acidstore/internal/logging"
)

// Manager owns the superblock lifecycle: reading the canonical
// superblock at open, the two-phase copy-on-write commit protocol, and
// crash recovery (spec §4.6). It does not know about chunks or objects
// — callers hand it an already-serialized index blob and a list of
// blocks to reclaim.
type Manager struct {
	backend   backend.Backend
	macKey    crypto.MasterKey
	encrypted bool
	logger    *slog.Logger
}

// NewManager returns a Manager operating on be, sealing its index root
// block and computing superblock integrity tags under macKey (the
// repository's unwrapped master key).
func NewManager(be backend.Backend, macKey crypto.MasterKey, encrypted bool, logger *slog.Logger) *Manager {
	return &Manager{
		backend:   be,
		macKey:    macKey,
		encrypted: encrypted,
		logger:    logging.Default(logger).With("component", "txn"),
	}
}

// ReadSuperblock fetches and decodes the canonical superblock.
// NotFound means no repository exists yet at this backend.
func (m *Manager) ReadSuperblock(ctx context.Context) (Superblock, error) {
	data, err := m.backend.Read(ctx, backend.KeySuperblock)
	if err != nil {
		return Superblock{}, err
	}
	return Decode(data, m.macKey)
}

// ReadIndex fetches and decrypts the index blob referenced by sb.
func (m *Manager) ReadIndex(ctx context.Context, sb Superblock) ([]byte, error) {
	key := blockstore.BlockIDToKey(sb.IndexRootBlockID)
	raw, err := m.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := blockstore.DecodeRawBlock(m.macKey, sb.IndexRootBlockID, raw)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != sb.IndexRootLen {
		return nil, apierr.New("txn.ReadIndex", apierr.KindCorrupt, nil)
	}
	return data, nil
}

// CommitInput bundles everything the commit protocol needs beyond the
// previous superblock.
type CommitInput struct {
	IndexBlob      []byte
	OrphanedBlocks [][16]byte // chunk blocks whose refcount reached zero this transaction
}

// Commit executes spec §4.6's two-phase copy-on-write commit protocol.
// The caller must have already flushed any open pack (so every new
// chunk block is durable) before calling Commit. prev is the
// superblock this transaction started from, or the zero value at
// repository creation.
func (m *Manager) Commit(ctx context.Context, prev Superblock, in CommitInput) (Superblock, error) {
	// Step 2: serialize and write the new index root block.
	blockID, err := crypto.GenerateBlockID()
	if err != nil {
		return Superblock{}, err
	}
	encoded, err := blockstore.EncodeRawBlock(m.macKey, m.encrypted, blockID, in.IndexBlob)
	if err != nil {
		return Superblock{}, err
	}
	if err := m.backend.Write(ctx, blockstore.BlockIDToKey(blockID), encoded); err != nil {
		return Superblock{}, err
	}

	next := prev
	next.FormatVersion = FormatVersion
	next.IndexRootBlockID = blockID
	next.IndexRootLen = uint64(len(in.IndexBlob))
	next.TxCounter = prev.TxCounter + 1

	sbBytes, err := Encode(next, m.macKey)
	if err != nil {
		return Superblock{}, err
	}

	// Step 3: publish to the staging key first.
	if err := m.backend.Write(ctx, backend.KeySuperblockStaging, sbBytes); err != nil {
		return Superblock{}, err
	}

	// Step 4: atomic publish — single-key write to the canonical key.
	if err := m.backend.Write(ctx, backend.KeySuperblock, sbBytes); err != nil {
		return Superblock{}, err
	}

	m.logger.Debug("committed transaction", "tx_counter", next.TxCounter, "index_root", blockstore.BlockIDToKey(blockID))

	// Step 5: reclaim blocks now unreferenced. The old index root block
	// is always superseded by the new one written above, except at
	// repository creation when there is no previous root.
	var zeroBlockID [16]byte
	toDelete := in.OrphanedBlocks
	if prev.IndexRootBlockID != zeroBlockID && prev.IndexRootBlockID != blockID {
		toDelete = append(toDelete, prev.IndexRootBlockID)
	}
	for _, id := range toDelete {
		if err := m.backend.Remove(ctx, blockstore.BlockIDToKey(id)); err != nil {
			// Reclaim failures are logged, not fatal: the block is
			// already unreachable from the canonical superblock, so a
			// future recovery pass will sweep it.
			m.logger.Warn("failed to reclaim unreferenced block", "block", blockstore.BlockIDToKey(id), "err", err)
		}
	}

	return next, nil
}

// Recover implements spec §4.6's crash-recovery sweep, run at open:
// delete every backend block not reachable from the canonical
// superblock. reachable is computed by the caller (it must walk the
// chunk-ref table's locators plus the index root itself) since only the
// caller knows how to decode chunk locators.
func (m *Manager) Recover(ctx context.Context, reachable map[string]struct{}) error {
	keys, err := m.backend.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if len(key) < len(blockstore.BlockKeyPrefix) || key[:len(blockstore.BlockKeyPrefix)] != blockstore.BlockKeyPrefix {
			continue // not a block key; reserved keys are never swept
		}
		if _, ok := reachable[key]; ok {
			continue
		}
		if err := m.backend.Remove(ctx, key); err != nil {
			return err
		}
		m.logger.Info("recovery: removed orphaned block", "key", key)
	}
	return nil
}
