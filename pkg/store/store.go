// Package store persists engine snapshots into a luxfi database. Every value
// is msgpack encoded and prefixed with its blake2b-256 checksum.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/database"
	dbmanager "github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/manager"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/vault"
)

var (
	ErrCorrupt    = errors.New("corrupt value")
	ErrNoSnapshot = errors.New("no snapshot")
)

const checksumLen = blake2b.Size256

var (
	keyMeta    = []byte("snapshot:meta")
	keyNative  = []byte("snapshot:native")
	keyTokens  = []byte("snapshot:tokens")
	keyOracle  = []byte("snapshot:oracle")
	keyVault   = []byte("snapshot:vault")
	keyManager = []byte("snapshot:manager")
)

// Snapshot is the full persisted state of a node
type Snapshot struct {
	Block   uint64
	SavedAt int64
	Native  chain.NativeState
	Tokens  []asset.LedgerState
	Oracle  oracle.FeedState
	Vault   vault.State
	Manager manager.State
}

type meta struct {
	Block   uint64 `msgpack:"block"`
	SavedAt int64  `msgpack:"saved_at"`
}

// Store reads and writes snapshots
type Store struct {
	db     database.Database
	logger log.Logger
}

// New wraps db
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{db: db, logger: logger}
}

// Open opens the node database under dataDir. Engine "memory" keeps
// everything in memory; anything else uses BadgerDB and falls back to memory
// if it cannot be opened.
func Open(dataDir, engine, namespace string, logger log.Logger) (database.Database, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := dbmanager.NewManager(dataDir, nil)

	if engine != "memory" {
		cfg := dbmanager.DefaultBadgerDBConfig("badgerdb")
		cfg.Namespace = namespace
		db, err := dbManager.New(cfg)
		if err == nil {
			logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB", "error", err)
	}

	db, err := dbManager.New(dbmanager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Info("Using in-memory database")
	return db, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap in a single batch
func (s *Store) Save(snap *Snapshot) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	entries := []struct {
		key []byte
		v   any
	}{
		{keyNative, snap.Native},
		{keyTokens, snap.Tokens},
		{keyOracle, snap.Oracle},
		{keyVault, snap.Vault},
		{keyManager, snap.Manager},
		{keyMeta, meta{Block: snap.Block, SavedAt: snap.SavedAt}},
	}
	for _, e := range entries {
		value, err := Encode(e.v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.key, err)
		}
		if err := batch.Put(e.key, value); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.logger.Info("Snapshot saved", "block", snap.Block, "markets", len(snap.Manager.Markets))
	return nil
}

// Load reads the last snapshot. It returns ErrNoSnapshot on an empty database.
func (s *Store) Load() (*Snapshot, error) {
	var m meta
	if err := s.get(keyMeta, &m); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}

	snap := &Snapshot{Block: m.Block, SavedAt: m.SavedAt}
	parts := []struct {
		key []byte
		v   any
	}{
		{keyNative, &snap.Native},
		{keyTokens, &snap.Tokens},
		{keyOracle, &snap.Oracle},
		{keyVault, &snap.Vault},
		{keyManager, &snap.Manager},
	}
	for _, p := range parts {
		if err := s.get(p.key, p.v); err != nil {
			return nil, fmt.Errorf("load %s: %w", p.key, err)
		}
	}
	return snap, nil
}

func (s *Store) get(key []byte, v any) error {
	value, err := s.db.Get(key)
	if err != nil {
		return err
	}
	return Decode(value, v)
}

// Encode msgpack-encodes v behind its checksum
func Encode(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(payload)
	out := make([]byte, 0, checksumLen+len(payload))
	out = append(out, sum[:]...)
	return append(out, payload...), nil
}

// Decode verifies the checksum of value and decodes it into v
func Decode(value []byte, v any) error {
	if len(value) < checksumLen {
		return fmt.Errorf("%w: %d bytes", ErrCorrupt, len(value))
	}
	sum := blake2b.Sum256(value[checksumLen:])
	if !bytes.Equal(sum[:], value[:checksumLen]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := msgpack.Unmarshal(value[checksumLen:], v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}
