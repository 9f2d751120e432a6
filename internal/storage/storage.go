package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	LogBucket        = []byte("log")
	ValidationBucket = []byte("validations")
	MetadataBucket   = []byte("metadata")
)

var ErrMetadataNotFound = errors.New("metadata key not found")

type Storage struct {
	db *bolt.DB
}

// LogRecord is one durable slot of the append-only log. Chain links every
// record to its predecessor so a rewritten slot is detectable.
type LogRecord struct {
	Seq       uint64          `json:"seq"`
	Hash      string          `json:"hash"`
	PrevChain string          `json:"prev_chain"`
	Chain     string          `json:"chain"`
	Entry     json.RawMessage `json:"entry"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidationRecord memoizes the admission decision for one txid.
type ValidationRecord struct {
	ID      string          `json:"id"`
	Key     string          `json:"key"`
	Hash    string          `json:"hash,omitempty"`
	IsValid bool            `json:"is_valid"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{LogBucket, ValidationBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// appliedIndexKey holds the raft index of the last replicated command this
// log reflects.
var appliedIndexKey = []byte("raft_applied_index")

// AppendLog stores entry as the next log record. link receives the chain
// head of the current last record and returns the new head; it runs inside
// the write transaction so concurrent appends cannot fork the chain.
func (s *Storage) AppendLog(entryHash string, entry []byte, link func(prevChain string) string) (*LogRecord, error) {
	return s.AppendLogAt(0, entryHash, entry, link)
}

// AppendLogAt is AppendLog for an entry committed at raft index. The index is
// recorded in the same transaction as the record. Index 0 records nothing.
func (s *Storage) AppendLogAt(index uint64, entryHash string, entry []byte, link func(prevChain string) string) (*LogRecord, error) {
	var record *LogRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LogBucket)

		if index > 0 {
			if err := putAppliedIndex(tx, index); err != nil {
				return err
			}
		}

		prevChain := ""
		if _, last := bucket.Cursor().Last(); last != nil {
			var prev LogRecord
			if err := json.Unmarshal(last, &prev); err != nil {
				return fmt.Errorf("failed to unmarshal last log record: %w", err)
			}
			prevChain = prev.Chain
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		record = &LogRecord{
			Seq:       seq,
			Hash:      entryHash,
			PrevChain: prevChain,
			Chain:     link(prevChain),
			Entry:     json.RawMessage(entry),
			Timestamp: time.Now().UTC(),
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal log record: %w", err)
		}

		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ReverseLog returns up to limit records with a sequence below before, newest
// first. before == 0 starts from the end of the log.
func (s *Storage) ReverseLog(before uint64, limit int) ([]*LogRecord, error) {
	records := make([]*LogRecord, 0, limit)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(LogBucket).Cursor()

		var k, v []byte
		if before == 0 {
			k, v = cursor.Last()
		} else {
			k, v = cursor.Seek(seqKey(before))
			if k == nil {
				k, v = cursor.Last()
			}
			for k != nil && binary.BigEndian.Uint64(k) >= before {
				k, v = cursor.Prev()
			}
		}

		for ; k != nil && len(records) < limit; k, v = cursor.Prev() {
			var record LogRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal log record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// ScanLog walks the log oldest first until fn returns an error.
func (s *Storage) ScanLog(fn func(*LogRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(LogBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record LogRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal log record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if err := fn(&record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) LogLength() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(LogBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ResetLog drops every log record. Used before restoring a snapshot.
func (s *Storage) ResetLog() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(LogBucket); err != nil {
			return fmt.Errorf("failed to drop log bucket: %w", err)
		}
		_, err := tx.CreateBucket(LogBucket)
		return err
	})
}

func putAppliedIndex(tx *bolt.Tx, index uint64) error {
	if err := tx.Bucket(MetadataBucket).Put(appliedIndexKey, seqKey(index)); err != nil {
		return fmt.Errorf("failed to record applied index: %w", err)
	}
	return nil
}

// AppliedIndex returns the last raft index recorded with the log, or 0.
func (s *Storage) AppliedIndex() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(MetadataBucket).Get(appliedIndexKey); len(data) == 8 {
			index = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return index, err
}

// SetAppliedIndex records index for a command that appended nothing.
func (s *Storage) SetAppliedIndex(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAppliedIndex(tx, index)
	})
}

func (s *Storage) FindValidation(_ context.Context, key string) ([]ValidationRecord, error) {
	var records []ValidationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ValidationBucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		var record ValidationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to unmarshal validation record: %w", err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// InsertValidation stores record under its key. A second insert for the same
// key overwrites the first.
func (s *Storage) InsertValidation(_ context.Context, record ValidationRecord) (string, error) {
	if record.Key == "" {
		return "", fmt.Errorf("validation record has no key")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal validation record: %w", err)
		}
		return tx.Bucket(ValidationBucket).Put([]byte(record.Key), data)
	})
	if err != nil {
		return "", err
	}

	return record.ID, nil
}

func (s *Storage) ValidationCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(ValidationBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
