// Package acidstore turns any byte-addressable backend into a secure,
// deduplicated, transactional object store. It wires the repository
// engine's eight internal components behind a single Repository/Object
// API surface: backend abstraction, chunking/dedup/packing pipeline,
// transactional metadata layer, and cryptographic envelope.
package acidstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	resticchunker "github.com/restic/chunker"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
	"acidstore/internal/backend/dirbackend"
	"acidstore/internal/backend/memorybackend"
	"acidstore/internal/backend/rclonebackend"
	"acidstore/internal/backend/redisbackend"
	"acidstore/internal/backend/s3backend"
	"acidstore/internal/backend/sftpbackend"
	"acidstore/internal/backend/sqlitebackend"
	"acidstore/internal/blockstore"
	"acidstore/internal/chunker"
	"acidstore/internal/crypto"
	"acidstore/internal/dedup"
	"acidstore/internal/indextree"
	"acidstore/internal/lock"
	"acidstore/internal/logging"
	"acidstore/internal/object"
	"acidstore/internal/txn"
)

// DefaultRegistry returns a backend.Registry with every reference driver
// shipped by this module registered under the scheme name callers pass
// to Registry.New: "memory", "dir", "sqlite", "redis", "s3", "sftp",
// "rclone" (spec §4.1).
func DefaultRegistry() *backend.Registry {
	reg := &backend.Registry{}
	reg.Register("memory", memorybackend.Factory)
	reg.Register("dir", dirbackend.Factory)
	reg.Register("sqlite", sqlitebackend.Factory)
	reg.Register("redis", redisbackend.Factory)
	reg.Register("s3", s3backend.Factory)
	reg.Register("sftp", sftpbackend.Factory)
	reg.Register("rclone", rclonebackend.Factory)
	return reg
}

// Re-exported error taxonomy (spec §7): callers match on these sentinels
// with errors.Is regardless of which internal layer raised them.
var (
	ErrNotFound           = apierr.ErrNotFound
	ErrAlreadyExists      = apierr.ErrAlreadyExists
	ErrWrongPassword      = apierr.ErrWrongPassword
	ErrCorrupt            = apierr.ErrCorrupt
	ErrUnsupportedFeature = apierr.ErrUnsupportedFeature
	ErrLocked             = apierr.ErrLocked
	ErrStaleLock          = apierr.ErrStaleLock
	ErrBackendUnavailable = apierr.ErrBackendUnavailable
	ErrIO                 = apierr.ErrIO
	ErrInvalidArgument    = apierr.ErrInvalidArgument
)

// Error is the concrete error type every operation returns.
type Error = apierr.Error

// ChunkingMode selects the chunker used to split object content (spec
// §4.3).
type ChunkingMode int

const (
	ChunkingFixed ChunkingMode = iota
	ChunkingCDC
)

// Options controls repository creation. The zero value is not valid;
// use DefaultOptions as a starting point.
type Options struct {
	ChunkingMode ChunkingMode
	FixedChunkSize int // used when ChunkingMode == ChunkingFixed

	Compression blockstore.Compression
	Encrypted   bool
	Pack        bool
	PackTargetSize int

	KDFParams crypto.KDFParams

	LockGracePeriod time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the spec's recommended defaults: CDC chunking,
// zstd compression, encryption on, packing on.
func DefaultOptions() (Options, error) {
	params, err := crypto.DefaultKDFParams()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChunkingMode:    ChunkingCDC,
		FixedChunkSize:  1 << 20,
		Compression:     blockstore.CompressionZstd,
		Encrypted:       true,
		Pack:            true,
		PackTargetSize:  4 << 20,
		KDFParams:       params,
		LockGracePeriod: lock.DefaultGracePeriod,
	}, nil
}

// Repository is one open acid-store repository: a backend, an unwrapped
// master key, and the live in-memory state of the current transaction
// (dedup index, block store, object table).
type Repository struct {
	be     backend.Backend
	key    crypto.MasterKey
	sb     txn.Superblock
	opts   Options
	logger *slog.Logger

	txnMgr *txn.Manager
	index  *dedup.Index
	store  *blockstore.Store
	objs   *object.Manager
	lock   *lock.Lock
}

// Create initializes a new, empty repository on be, protected by
// password, and acquires the instance lock. Fails with ErrAlreadyExists
// if be already holds a superblock.
func Create(ctx context.Context, be backend.Backend, password string, opts Options) (*Repository, error) {
	logger := logging.Default(opts.Logger).With("component", "acidstore")

	if _, err := be.Read(ctx, backend.KeySuperblock); err == nil {
		return nil, apierr.New("acidstore.Create", apierr.KindAlreadyExists, fmt.Errorf("a superblock already exists at this backend"))
	} else if !errors.Is(err, apierr.ErrNotFound) {
		return nil, err
	}

	l, err := lock.Acquire(ctx, be, lock.Config{GracePeriod: opts.LockGracePeriod, Logger: logger})
	if err != nil {
		return nil, err
	}

	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	if opts.KDFParams.MemoryKiB == 0 {
		opts.KDFParams, err = crypto.DefaultKDFParams()
		if err != nil {
			l.Close(ctx)
			return nil, err
		}
	}
	wrapKey := crypto.DeriveWrapKey(password, opts.KDFParams)
	wrapped, err := crypto.WrapMasterKey(wrapKey, masterKey)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}

	var pol uint64
	if opts.ChunkingMode == ChunkingCDC {
		p, err := chunker.NewPolynomial()
		if err != nil {
			l.Close(ctx)
			return nil, err
		}
		pol = uint64(p)
	}

	sb := txn.Superblock{
		FormatVersion:     txn.FormatVersion,
		FeatureFlags:      featureFlags(opts),
		KDFParams:         opts.KDFParams,
		WrappedMasterKey:  wrapped,
		ChunkerPolynomial: pol,
		ChunkerMinSize:    512 << 10,
		ChunkerMaxSize:    8 << 20,
		ChunkerAvgBits:    20,
	}

	r := newRepository(be, masterKey, opts, sb, logger, l)
	r.txnMgr = txn.NewManager(be, masterKey, opts.Encrypted, logger)

	indexBlob := indextree.EncodeIndex(indextree.EncodeChunkRefRun(nil, nil), indextree.EncodeObjectRun(nil))
	next, err := r.txnMgr.Commit(ctx, sb, txn.CommitInput{IndexBlob: indexBlob})
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	r.sb = next
	r.store.ResetTransaction()
	logger.Info("created repository")
	return r, nil
}

// Open unwraps the master key with password and loads the committed
// index, acquiring the instance lock and running crash recovery. Fails
// with ErrWrongPassword if password does not match, ErrNotFound if no
// repository exists at be, or ErrLocked/ErrStaleLock per the lock
// manager's rules.
func Open(ctx context.Context, be backend.Backend, password string, opts Options) (*Repository, error) {
	logger := logging.Default(opts.Logger).With("component", "acidstore")

	l, err := lock.Acquire(ctx, be, lock.Config{GracePeriod: opts.LockGracePeriod, Logger: logger})
	if err != nil {
		return nil, err
	}

	sbData, err := be.Read(ctx, backend.KeySuperblock)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}

	sb, masterKey, err := decodeAndUnwrap(sbData, password)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}

	r := newRepository(be, masterKey, opts, sb, logger, l)
	r.txnMgr = txn.NewManager(be, masterKey, opts.Encrypted, logger)
	r.sb = sb

	indexBlob, err := r.txnMgr.ReadIndex(ctx, sb)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	chunkRefRun, objectRun, err := indextree.DecodeIndex(indexBlob)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	entries, refcounts, err := indextree.DecodeChunkRefRun(chunkRefRun)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	r.index.Load(entries, refcounts)
	records, err := indextree.DecodeObjectRun(objectRun)
	if err != nil {
		l.Close(ctx)
		return nil, err
	}
	r.objs.Load(records)

	reachable := map[string]struct{}{blockstoreKey(sb.IndexRootBlockID): {}}
	for _, loc := range entries {
		reachable[blockstoreKey(loc.BlockID)] = struct{}{}
	}
	if err := r.txnMgr.Recover(ctx, reachable); err != nil {
		l.Close(ctx)
		return nil, err
	}

	logger.Info("opened repository", "tx_counter", sb.TxCounter, "objects", len(records))
	return r, nil
}

func blockstoreKey(id [16]byte) string { return blockstore.BlockIDToKey(id) }

// decodeAndUnwrap parses the superblock and derives/unwraps the master
// key from password. The superblock's integrity tag is keyed by the
// master key, which is itself only recoverable by unwrapping with a key
// derived from the KDF parameters stored earlier in the same record —
// so the KDF parameters and wrapped key are read with
// txn.PeekKDFParams/PeekWrappedMasterKey before the tag (and the rest
// of the record) can be verified via txn.Decode.
func decodeAndUnwrap(data []byte, password string) (txn.Superblock, crypto.MasterKey, error) {
	params, err := txn.PeekKDFParams(data)
	if err != nil {
		return txn.Superblock{}, crypto.MasterKey{}, err
	}
	wrapKey := crypto.DeriveWrapKey(password, params)

	wrappedKey, err := txn.PeekWrappedMasterKey(data)
	if err != nil {
		return txn.Superblock{}, crypto.MasterKey{}, err
	}
	masterKey, err := crypto.UnwrapMasterKey(wrapKey, wrappedKey)
	if err != nil {
		return txn.Superblock{}, crypto.MasterKey{}, err
	}

	sb, err := txn.Decode(data, masterKey)
	if err != nil {
		return txn.Superblock{}, crypto.MasterKey{}, err
	}
	return sb, masterKey, nil
}

func newRepository(be backend.Backend, masterKey crypto.MasterKey, opts Options, sb txn.Superblock, logger *slog.Logger, l *lock.Lock) *Repository {
	index := dedup.New()
	store := blockstore.New(be, index, masterKey, blockstore.Config{
		Compression:    opts.Compression,
		Encrypted:      opts.Encrypted,
		Pack:           opts.Pack,
		PackTargetSize: opts.PackTargetSize,
	})
	newSplitter := splitterFactory(opts, sb)
	objs := object.New(store, index, newSplitter)
	return &Repository{
		be:     be,
		key:    masterKey,
		opts:   opts,
		logger: logger,
		index:  index,
		store:  store,
		objs:   objs,
		lock:   l,
	}
}

func splitterFactory(opts Options, sb txn.Superblock) object.SplitterFactory {
	if opts.ChunkingMode == ChunkingFixed {
		size := opts.FixedChunkSize
		if size <= 0 {
			size = 1 << 20
		}
		return func(r io.Reader) (chunker.Splitter, error) {
			return chunker.NewFixedSplitter(r, chunker.FixedConfig{Size: size})
		}
	}
	return func(r io.Reader) (chunker.Splitter, error) {
		return chunker.NewCDCSplitter(r, chunker.CDCConfig{
			Pol:         resticchunker.Pol(sb.ChunkerPolynomial),
			MinSize:     uint(sb.ChunkerMinSize),
			MaxSize:     uint(sb.ChunkerMaxSize),
			AverageBits: int(sb.ChunkerAvgBits),
		})
	}
}

func featureFlags(opts Options) uint64 {
	var flags uint64
	if opts.Pack {
		flags |= txn.FeaturePacking
	}
	if opts.Encrypted {
		flags |= txn.FeatureEncryption
	}
	switch opts.Compression {
	case blockstore.CompressionZstd:
		flags |= txn.FeatureCompressionZstd
	case blockstore.CompressionBrotli:
		flags |= txn.FeatureCompressionBrotli
	}
	if opts.ChunkingMode == ChunkingCDC {
		flags |= txn.FeatureChunkingCDC
	} else {
		flags |= txn.FeatureChunkingFixed
	}
	return flags
}

// Object is a handle to one logical object's chunk list, data, and
// metadata (spec §4.8). Two handles opened on the same id within the
// same Repository observe each other's uncommitted writes.
type Object struct {
	h *object.Handle
}

// CreateObject stages a new, empty object. Fails with ErrAlreadyExists.
func (r *Repository) CreateObject(id []byte) (*Object, error) {
	h, err := r.objs.CreateObject(id)
	if err != nil {
		return nil, err
	}
	return &Object{h: h}, nil
}

// OpenObject returns a handle to an existing object. Fails with
// ErrNotFound.
func (r *Repository) OpenObject(id []byte) (*Object, error) {
	h, err := r.objs.OpenObject(id)
	if err != nil {
		return nil, err
	}
	return &Object{h: h}, nil
}

// RemoveObject decrements the refcount of every chunk the object
// references and removes it from the transaction's view. Fails with
// ErrNotFound.
func (r *Repository) RemoveObject(id []byte) error {
	return r.objs.RemoveObject(id)
}

// ListObjects returns a snapshot of every live object id visible in the
// current transaction.
func (r *Repository) ListObjects() [][]byte {
	return r.objs.ListObjects()
}

// ID returns the object's id.
func (o *Object) ID() []byte { return o.h.ID() }

// Write copies bytes into the object at offset (spec §4.8).
func (o *Object) Write(ctx context.Context, offset uint64, data []byte) error {
	return o.h.Write(ctx, offset, data)
}

// Read returns length bytes starting at offset.
func (o *Object) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	return o.h.Read(ctx, offset, length)
}

// Length returns the object's current logical length.
func (o *Object) Length(ctx context.Context) (uint64, error) {
	return o.h.Length(ctx)
}

// Truncate sets the object's logical length.
func (o *Object) Truncate(ctx context.Context, n uint64) error {
	return o.h.Truncate(ctx, n)
}

// Flush forces the object's pending writes to be rechunked and sealed
// into backend blocks, still uncommitted until Repository.Commit.
func (o *Object) Flush(ctx context.Context) error {
	return o.h.Flush(ctx)
}

// SetMetadata replaces the object's opaque header and user-metadata
// blobs.
func (o *Object) SetMetadata(header, metadata []byte) {
	o.h.SetMetadata(header, metadata)
}

// Metadata returns the object's current header and user-metadata blobs.
func (o *Object) Metadata() (header, metadata []byte, err error) {
	return o.h.Metadata()
}

// VerifyReport is the result of a full-scan verification pass.
type VerifyReport = object.VerifyReport

// Verify walks every live object's chunks, forcing a decrypt and rehash
// of each, and reports which objects reference a chunk that failed
// verification (spec §4.8).
func (r *Repository) Verify(ctx context.Context) (VerifyReport, error) {
	return r.objs.Verify(ctx)
}

// Commit flushes any remaining open pack, serializes the chunk-ref and
// object tables, and atomically publishes a new superblock (spec §4.6).
// On success, the repository's in-memory state reflects the committed
// transaction and a new transaction begins immediately.
func (r *Repository) Commit(ctx context.Context) error {
	if err := r.store.FlushPack(ctx); err != nil {
		return err
	}

	mergeResult := r.index.Merge()
	r.objs.MergeStaging()

	entries, refcounts := r.index.Snapshot()

	// A block may back more than one packed chunk, so an orphaned
	// chunk's block is only safe to delete if no surviving chunk-ref
	// still points at it.
	liveBlocks := make(map[[16]byte]struct{}, len(entries))
	for _, loc := range entries {
		liveBlocks[loc.BlockID] = struct{}{}
	}
	var orphanedBlocks [][16]byte
	seen := make(map[[16]byte]struct{})
	for _, o := range mergeResult.Orphaned {
		if _, stillLive := liveBlocks[o.Locator.BlockID]; stillLive {
			continue
		}
		if _, already := seen[o.Locator.BlockID]; already {
			continue
		}
		seen[o.Locator.BlockID] = struct{}{}
		orphanedBlocks = append(orphanedBlocks, o.Locator.BlockID)
	}

	chunkRefRun := indextree.EncodeChunkRefRun(entries, refcounts)
	objectRun := indextree.EncodeObjectRun(r.objs.StagedRecords())
	indexBlob := indextree.EncodeIndex(chunkRefRun, objectRun)

	next, err := r.txnMgr.Commit(ctx, r.sb, txn.CommitInput{IndexBlob: indexBlob, OrphanedBlocks: orphanedBlocks})
	if err != nil {
		return err
	}
	r.sb = next
	r.store.ResetTransaction()
	return nil
}

// Rollback discards the current transaction's staged object and
// dedup-index changes and deletes any blocks written since the last
// commit (spec §4.6).
func (r *Repository) Rollback(ctx context.Context) error {
	r.index.DiscardStaging()
	r.objs.DiscardStaging()
	return r.store.Rollback(ctx)
}

// Close releases the instance lock. It does not commit or roll back any
// in-progress transaction; callers must do so explicitly first.
func (r *Repository) Close(ctx context.Context) error {
	return r.lock.Close(ctx)
}
