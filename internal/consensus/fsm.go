package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"
	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/storage"
)

// Applier is the database side of replication. Every entry a peer sends,
// including those restored from a snapshot, passes through it.
type Applier interface {
	ApplyAt(ctx context.Context, index uint64, entry *logdb.LogEntry) error
}

type LogStore interface {
	ScanLog(fn func(*storage.LogRecord) error) error
	ResetLog() error
	AppliedIndex() (uint64, error)
	SetAppliedIndex(index uint64) error
}

type FSM struct {
	mu      sync.Mutex
	applier Applier
	log     LogStore
	hasher  *hash.Hasher
	logger  *slog.Logger

	// applied is the last raft index reflected in the log. Raft replays its
	// whole log into the FSM on restart; indexes at or below it are skipped.
	applied uint64
	loaded  bool
}

func NewFSM(applier Applier, log LogStore, hasher *hash.Hasher, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}

	return &FSM{
		applier: applier,
		log:     log,
		hasher:  hasher,
		logger:  logger,
	}
}

// Apply returns nil or an error; the error reaches the proposer through the
// apply future's Response.
func (f *FSM) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied, err := f.lastApplied()
	if err != nil {
		return err
	}
	if l.Index <= applied {
		f.logger.Debug("Skipping replayed raft entry", "index", l.Index, "applied", applied)
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Type {
	case CommandAppend:
		return f.applyAppend(&cmd, l.Index)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyAppend(cmd *Command, index uint64) error {
	if cmd.Entry == nil {
		return fmt.Errorf("append command at index %d has no entry", index)
	}

	err := f.applier.ApplyAt(context.Background(), index, cmd.Entry)
	switch {
	case err == nil:
		f.applied = index
	case errors.Is(err, logdb.ErrRejected) || errors.Is(err, logdb.ErrHashMismatch):
		f.logger.Warn("Replicated entry refused",
			"index", index,
			"key", cmd.Entry.Key,
			"error", err)
		if serr := f.log.SetAppliedIndex(index); serr != nil {
			f.logger.Error("Failed to record applied index", "index", index, "error", serr)
		} else {
			f.applied = index
		}
	}
	return err
}

func (f *FSM) lastApplied() (uint64, error) {
	if !f.loaded {
		index, err := f.log.AppliedIndex()
		if err != nil {
			return 0, fmt.Errorf("failed to read applied index: %w", err)
		}
		f.applied, f.loaded = index, true
	}
	return f.applied, nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied, err := f.lastApplied()
	if err != nil {
		return nil, err
	}

	payload := &snapshotPayload{
		Algorithm: string(f.hasher.Algorithm()),
		Index:     applied,
		Entries:   make([]*logdb.LogEntry, 0),
		Timestamp: time.Now().UTC(),
	}

	hashes := make([]string, 0)
	err = f.log.ScanLog(func(record *storage.LogRecord) error {
		entry, err := logdb.DecodeRecord(record)
		if err != nil {
			return err
		}
		payload.Entries = append(payload.Entries, entry)
		hashes = append(hashes, entry.Hash)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect log for snapshot: %w", err)
	}
	payload.Head = f.hasher.ChainHead(hashes)

	return &fsmSnapshot{payload: payload}, nil
}

// Restore replaces the local log with the snapshot's entries. Each entry is
// re-applied through the gate, so a snapshot from a peer cannot smuggle in
// writes this node would have refused.
func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	decoder, err := zstd.NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to create snapshot decoder: %w", err)
	}
	defer decoder.Close()

	var payload snapshotPayload
	if err := json.NewDecoder(decoder).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if payload.Algorithm != string(f.hasher.Algorithm()) {
		return fmt.Errorf("snapshot uses hash algorithm %s, node uses %s", payload.Algorithm, f.hasher.Algorithm())
	}

	hashes := make([]string, len(payload.Entries))
	for i, entry := range payload.Entries {
		hashes[i] = entry.Hash
	}
	if head := f.hasher.ChainHead(hashes); head != payload.Head {
		return fmt.Errorf("%w: expected %s, computed %s", ErrSnapshotCorrupt, payload.Head, head)
	}

	if err := f.log.ResetLog(); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}

	refused := 0
	for _, entry := range payload.Entries {
		err := f.applier.ApplyAt(context.Background(), 0, entry)
		if errors.Is(err, logdb.ErrRejected) || errors.Is(err, logdb.ErrHashMismatch) {
			refused++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to restore entry %s: %w", entry.Key, err)
		}
	}

	if err := f.log.SetAppliedIndex(payload.Index); err != nil {
		return fmt.Errorf("failed to record applied index: %w", err)
	}
	f.applied, f.loaded = payload.Index, true

	f.logger.Info("Snapshot restored",
		"entries", len(payload.Entries),
		"refused", refused,
		"index", payload.Index,
		"head", payload.Head)

	return nil
}

type fsmSnapshot struct {
	payload *snapshotPayload
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to create snapshot encoder: %w", err)
	}

	if err := json.NewEncoder(encoder).Encode(s.payload); err != nil {
		encoder.Close()
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := encoder.Close(); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
