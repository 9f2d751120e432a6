package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"
	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/storage"
)

type testDB struct {
	db     *logdb.Database
	store  *storage.Storage
	hasher *hash.Hasher
}

func newTestDB(t *testing.T, allow func(*logdb.LogEntry) bool) *testDB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "p2wdb-consensus-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := storage.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hasher, err := hash.New(hash.SHA256)
	if err != nil {
		t.Fatal(err)
	}

	db := logdb.New("test", store, hasher, nil)
	db.InjectDeps(func(_ context.Context, e *logdb.LogEntry) bool {
		return allow == nil || allow(e)
	})

	return &testDB{db: db, store: store, hasher: hasher}
}

func (d *testDB) fsm() *FSM {
	return NewFSM(d.db, d.store, d.hasher, nil)
}

func hashedEntry(t *testing.T, d *testDB, key, data string) *logdb.LogEntry {
	t.Helper()

	entry := &logdb.LogEntry{
		Key: key,
		Value: logdb.Value{
			Message:   "2024-01-01T00:00:00.000Z",
			Signature: "0xsig",
			Data:      data,
		},
		Op: logdb.OpPut,
	}
	h, err := d.db.ContentHash(entry)
	if err != nil {
		t.Fatal(err)
	}
	entry.Hash = h
	return entry
}

func appendLog(t *testing.T, index uint64, entry *logdb.LogEntry) *raft.Log {
	t.Helper()

	data, err := json.Marshal(Command{Type: CommandAppend, Entry: entry, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}
	return &raft.Log{Index: index, Data: data}
}

func TestFSMApplyAppend(t *testing.T) {
	d := newTestDB(t, nil)
	fsm := d.fsm()

	if result := fsm.Apply(appendLog(t, 1, hashedEntry(t, d, "T1", "hello"))); result != nil {
		t.Fatalf("Apply failed: %v", result)
	}

	value, found, err := d.db.Get("T1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || value.Data != "hello" {
		t.Errorf("Expected hello, got %+v (found=%v)", value, found)
	}
}

func TestFSMRefusesUnburnedEntry(t *testing.T) {
	d := newTestDB(t, func(*logdb.LogEntry) bool { return false })
	fsm := d.fsm()

	result := fsm.Apply(appendLog(t, 1, hashedEntry(t, d, "T1", "forged")))
	err, ok := result.(error)
	if !ok || !errors.Is(err, logdb.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", result)
	}

	n, _ := d.store.LogLength()
	if n != 0 {
		t.Errorf("Expected empty log, got %d records", n)
	}
}

func TestFSMRefusesBadHash(t *testing.T) {
	d := newTestDB(t, nil)
	entry := hashedEntry(t, d, "T1", "hello")
	entry.Value.Data = "changed in flight"

	result := d.fsm().Apply(appendLog(t, 1, entry))
	if err, ok := result.(error); !ok || !errors.Is(err, logdb.ErrHashMismatch) {
		t.Errorf("Expected ErrHashMismatch, got %v", result)
	}
}

func TestFSMUnknownCommand(t *testing.T) {
	d := newTestDB(t, nil)

	result := d.fsm().Apply(&raft.Log{Data: []byte(`{"type":"merge"}`)})
	if _, ok := result.(error); !ok {
		t.Errorf("Expected error for unknown command, got %v", result)
	}
}

func TestFSMSnapshotPersistAndRestore(t *testing.T) {
	src := newTestDB(t, nil)
	fsm := src.fsm()

	for i, key := range []string{"A", "B", "C"} {
		if result := fsm.Apply(appendLog(t, uint64(i+1), hashedEntry(t, src, key, "data-"+key))); result != nil {
			t.Fatalf("Apply %s failed: %v", key, result)
		}
	}

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	var sink mockSnapshotSink
	if err := snapshot.Persist(&sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if sink.Len() == 0 {
		t.Fatal("Snapshot buffer should not be empty")
	}

	// The restoring node has no proof of burn for B.
	dst := newTestDB(t, func(e *logdb.LogEntry) bool { return e.Key != "B" })
	if err := dst.fsm().Restore(&mockReadCloser{data: sink.Bytes()}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	n, _ := dst.store.LogLength()
	if n != 2 {
		t.Errorf("Expected 2 restored records, got %d", n)
	}
	if _, found, _ := dst.db.Get("B"); found {
		t.Error("Unburned entry B should not survive restore")
	}
	if v, found, _ := dst.db.Get("C"); !found || v.Data != "data-C" {
		t.Errorf("Expected data-C, got %+v", v)
	}
	if index, _ := dst.store.AppliedIndex(); index != 3 {
		t.Errorf("Expected applied index 3 after restore, got %d", index)
	}
}

func TestFSMRestoreReplacesExistingLog(t *testing.T) {
	src := newTestDB(t, nil)
	src.fsm().Apply(appendLog(t, 1, hashedEntry(t, src, "A", "a")))

	snapshot, _ := src.fsm().Snapshot()
	var sink mockSnapshotSink
	snapshot.Persist(&sink)

	dst := newTestDB(t, nil)
	dst.fsm().Apply(appendLog(t, 1, hashedEntry(t, dst, "stale", "x")))

	if err := dst.fsm().Restore(&mockReadCloser{data: sink.Bytes()}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, found, _ := dst.db.Get("stale"); found {
		t.Error("Restore should replace the existing log")
	}
	if n, _ := dst.store.LogLength(); n != 1 {
		t.Errorf("Expected 1 record, got %d", n)
	}
}

func TestFSMSkipsReplayedEntries(t *testing.T) {
	d := newTestDB(t, nil)

	first := hashedEntry(t, d, "T1", "one")
	second := hashedEntry(t, d, "T2", "two")

	fsm := d.fsm()
	fsm.Apply(appendLog(t, 1, first))
	fsm.Apply(appendLog(t, 2, second))

	// A restarted node gets the whole raft log again.
	restarted := d.fsm()
	for i, entry := range []*logdb.LogEntry{first, second} {
		if result := restarted.Apply(appendLog(t, uint64(i+1), entry)); result != nil {
			t.Fatalf("Replay of index %d failed: %v", i+1, result)
		}
	}
	if n, _ := d.store.LogLength(); n != 2 {
		t.Fatalf("Expected 2 records after replay, got %d", n)
	}

	// A later re-put of an earlier value is a new command and still wins.
	if result := restarted.Apply(appendLog(t, 3, hashedEntry(t, d, "T1", "again"))); result != nil {
		t.Fatalf("Apply failed: %v", result)
	}
	if v, _, _ := d.db.Get("T1"); v == nil || v.Data != "again" {
		t.Errorf("Expected again, got %+v", v)
	}
	if n, _ := d.store.LogLength(); n != 3 {
		t.Errorf("Expected 3 records, got %d", n)
	}
}

func TestFSMRecordsRefusedIndex(t *testing.T) {
	d := newTestDB(t, func(e *logdb.LogEntry) bool { return e.Key != "unburned" })

	result := d.fsm().Apply(appendLog(t, 4, hashedEntry(t, d, "unburned", "x")))
	if err, ok := result.(error); !ok || !errors.Is(err, logdb.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", result)
	}
	if index, _ := d.store.AppliedIndex(); index != 4 {
		t.Errorf("Expected applied index 4, got %d", index)
	}
}

func encodeSnapshot(t *testing.T, payload snapshotPayload) []byte {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write(raw)
	enc.Close()
	return buf.Bytes()
}

func decodeSnapshot(t *testing.T, data []byte) snapshotPayload {
	t.Helper()

	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	var payload snapshotPayload
	if err := json.NewDecoder(dec).Decode(&payload); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	return payload
}

func TestFSMRestoreRejectsCorruptHead(t *testing.T) {
	d := newTestDB(t, nil)

	data := encodeSnapshot(t, snapshotPayload{
		Algorithm: string(hash.SHA256),
		Head:      "not-the-head",
		Entries:   []*logdb.LogEntry{hashedEntry(t, d, "A", "a")},
	})

	err := d.fsm().Restore(&mockReadCloser{data: data})
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("Expected ErrSnapshotCorrupt, got %v", err)
	}
}

func TestFSMRestoreRejectsReorderedSnapshot(t *testing.T) {
	src := newTestDB(t, nil)
	fsm := src.fsm()
	fsm.Apply(appendLog(t, 1, hashedEntry(t, src, "K", "V1")))
	fsm.Apply(appendLog(t, 2, hashedEntry(t, src, "K", "V2")))

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	var sink mockSnapshotSink
	if err := snapshot.Persist(&sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	payload := decodeSnapshot(t, sink.Bytes())
	payload.Entries[0], payload.Entries[1] = payload.Entries[1], payload.Entries[0]

	dst := newTestDB(t, nil)
	err = dst.fsm().Restore(&mockReadCloser{data: encodeSnapshot(t, payload)})
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Fatalf("Expected ErrSnapshotCorrupt for reordered entries, got %v", err)
	}
	if n, _ := dst.store.LogLength(); n != 0 {
		t.Errorf("Expected untouched log, got %d records", n)
	}
}

type mockSnapshotSink struct {
	buf      []byte
	canceled bool
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock-snapshot"
}

func (m *mockSnapshotSink) Cancel() error {
	m.canceled = true
	return nil
}

func (m *mockSnapshotSink) Bytes() []byte {
	return m.buf
}

func (m *mockSnapshotSink) Len() int {
	return len(m.buf)
}

type mockReadCloser struct {
	data   []byte
	offset int
}

func (m *mockReadCloser) Read(p []byte) (n int, err error) {
	if m.offset >= len(m.data) {
		return 0, io.EOF
	}
	n = copy(p, m.data[m.offset:])
	m.offset += n
	return n, nil
}

func (m *mockReadCloser) Close() error {
	return nil
}
