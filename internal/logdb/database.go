package logdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/storage"
)

// GateFunc decides whether an entry may be appended. It must not block
// forever and must return false on any failure.
type GateFunc func(ctx context.Context, entry *LogEntry) bool

// Replicator carries an accepted entry to every replica, each of which
// appends it through Database.Apply.
type Replicator interface {
	Replicate(ctx context.Context, entry *LogEntry) error
}

type logStore interface {
	AppendLogAt(index uint64, entryHash string, entry []byte, link func(prevChain string) string) (*storage.LogRecord, error)
	ReverseLog(before uint64, limit int) ([]*storage.LogRecord, error)
	SetMetadata(key, value string) error
}

type Database struct {
	name     string
	store    logStore
	hasher   *hash.Hasher
	logger   *slog.Logger
	manifest AccessManifest

	mu         sync.RWMutex
	gate       GateFunc
	replicator Replicator
}

func New(name string, store logStore, hasher *hash.Hasher, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}

	return &Database{
		name:     name,
		store:    store,
		hasher:   hasher,
		logger:   logger.With("db", name),
		manifest: PayToWriteManifest(),
	}
}

// InjectDeps hands the database its access gate. Construction and wiring are
// separate so the gate's owner can be built after the database.
func (db *Database) InjectDeps(gate GateFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.gate = gate
}

// SetReplicator routes accepted local writes through r instead of applying
// them directly.
func (db *Database) SetReplicator(r Replicator) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.replicator = r
}

func (db *Database) Start(ctx context.Context) error {
	address, err := db.Address()
	if err != nil {
		return err
	}

	manifest, err := json.Marshal(db.manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := db.store.SetMetadata("manifest:"+db.name, string(manifest)); err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	if err := db.store.SetMetadata("address:"+db.name, address); err != nil {
		return fmt.Errorf("failed to store address: %w", err)
	}

	db.logger.Info("Database started", "address", address)
	return nil
}

func (db *Database) Manifest() AccessManifest {
	return db.manifest
}

// Address is the content address of the database: the manifest hash plus
// the database name.
func (db *Database) Address() (string, error) {
	manifestHash, err := db.hasher.Calculate(db.manifest)
	if err != nil {
		return "", fmt.Errorf("failed to hash manifest: %w", err)
	}
	return fmt.Sprintf("/p2wdb/%s/%s", manifestHash, db.name), nil
}

func (db *Database) deps() (GateFunc, Replicator) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.gate, db.replicator
}

// ContentHash derives an entry's hash from its operation, key and value.
func (db *Database) ContentHash(entry *LogEntry) (string, error) {
	return db.hasher.Calculate(hashedContent{
		Op:    entry.Op,
		Key:   entry.Key,
		Value: entry.Value,
	})
}

// Put appends a PUT entry for key. The gate runs before anything is
// durably recorded.
func (db *Database) Put(ctx context.Context, key string, value Value) (string, error) {
	gate, replicator := db.deps()
	if gate == nil {
		return "", ErrNotWired
	}

	entry := &LogEntry{
		Key:   key,
		Value: value,
		Op:    OpPut,
	}

	if !gate(ctx, entry) {
		return "", fmt.Errorf("%w: txid %s", ErrInsufficientBurn, key)
	}

	entryHash, err := db.ContentHash(entry)
	if err != nil {
		return "", err
	}
	entry.Hash = entryHash

	if replicator != nil {
		err = replicator.Replicate(ctx, entry)
	} else {
		err = db.Apply(ctx, entry)
	}
	if errors.Is(err, ErrRejected) {
		return "", fmt.Errorf("%w: txid %s", ErrInsufficientBurn, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to append entry: %w", err)
	}

	return entryHash, nil
}

func (db *Database) Set(ctx context.Context, key string, value Value) (string, error) {
	return db.Put(ctx, key, value)
}

// Del is accepted for compatibility with generic log databases but never
// appends anything: written data cannot be removed.
func (db *Database) Del(_ context.Context, key string) error {
	db.logger.Debug("Ignoring delete", "key", key)
	return nil
}

// Apply appends an entry that arrived from replication. It runs the same
// gate as Put, so an entry a peer fabricated without a burn never persists
// here. Rejections return ErrRejected and leave the log untouched.
func (db *Database) Apply(ctx context.Context, entry *LogEntry) error {
	return db.ApplyAt(ctx, 0, entry)
}

// ApplyAt is Apply for an entry committed at raft index. The index is stored
// atomically with the record so a restart can tell replays apart from new
// commands. Index 0 means the entry did not come from the raft log.
func (db *Database) ApplyAt(ctx context.Context, index uint64, entry *LogEntry) error {
	gate, _ := db.deps()
	if gate == nil {
		return ErrNotWired
	}

	expected, err := db.ContentHash(entry)
	if err != nil {
		return err
	}
	if entry.Hash != expected {
		db.logger.Warn("Dropping replicated entry with bad hash",
			"key", entry.Key,
			"hash", entry.Hash,
			"expected", expected)
		return fmt.Errorf("%w: %s", ErrHashMismatch, entry.Key)
	}

	if !gate(ctx, entry) {
		db.logger.Info("Dropping entry rejected by access gate", "key", entry.Key, "hash", entry.Hash)
		return fmt.Errorf("%w: %s", ErrRejected, entry.Key)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	record, err := db.store.AppendLogAt(index, entry.Hash, data, func(prevChain string) string {
		return hash.NewHashChain(db.hasher, prevChain).Link(entry.Hash)
	})
	if err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}

	db.logger.Debug("Entry appended", "key", entry.Key, "hash", entry.Hash, "seq", record.Seq)
	return nil
}

// Get returns the value of the most recently appended PUT for key.
func (db *Database) Get(key string) (*Value, bool, error) {
	var before uint64

	for {
		records, err := db.store.ReverseLog(before, pageSize)
		if err != nil {
			return nil, false, err
		}
		if len(records) == 0 {
			return nil, false, nil
		}

		for _, record := range records {
			entry, err := decodeEntry(record)
			if err != nil {
				return nil, false, err
			}
			if entry.Key != key {
				continue
			}
			if entry.Op == OpDel {
				return nil, false, nil
			}
			return &entry.Value, true, nil
		}

		before = records[len(records)-1].Seq
	}
}

// Iterator walks the log newest first, yielding each key once. amount <= 0
// means no limit.
func (db *Database) Iterator(amount int) *Iterator {
	return &Iterator{
		store:  db.store,
		amount: amount,
		seen:   make(map[string]struct{}),
	}
}

// All materializes Iterator. shouldStop, when set, is consulted after each
// item is collected.
func (db *Database) All(shouldStop func(Item) bool) ([]Item, error) {
	it := db.Iterator(0)

	var items []Item
	for it.Next() {
		item := it.Item()
		items = append(items, item)
		if shouldStop != nil && shouldStop(item) {
			break
		}
	}

	return items, it.Err()
}

func decodeEntry(record *storage.LogRecord) (*LogEntry, error) {
	var entry LogEntry
	if err := json.Unmarshal(record.Entry, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode log record %d: %w", record.Seq, err)
	}
	return &entry, nil
}

// DecodeRecord exposes the entry stored in a log record.
func DecodeRecord(record *storage.LogRecord) (*LogEntry, error) {
	return decodeEntry(record)
}
