// forge-entry writes into a node's log behind the access gate's back, so an
// operator can confirm that `p2wdb verify` notices.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/storage"
	bolt "go.etcd.io/bbolt"
)

func main() {
	algorithm := flag.String("hash", string(hash.SHA256), "hash algorithm the node uses")
	rewrite := flag.Uint64("rewrite", 0, "rewrite the data of the entry at this sequence instead of appending")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <boltdb-path> <txid> <data>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Appends an entry with a well-formed hash chain but no proof of burn.\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(1)
	}

	dbPath, txid, data := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	hasher, err := hash.New(hash.Algorithm(*algorithm))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *rewrite > 0 {
		err = rewriteEntry(dbPath, *rewrite, data)
	} else {
		err = appendForged(dbPath, hasher, txid, data)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// appendForged goes through storage directly, so the chain stays intact and
// only the missing burn gives the entry away.
func appendForged(dbPath string, hasher *hash.Hasher, txid, data string) error {
	fmt.Printf("Opening BoltDB: %s\n", dbPath)

	store, err := storage.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	db := logdb.New("forged", store, hasher, nil)
	entry := &logdb.LogEntry{
		Key: txid,
		Value: logdb.Value{
			Message:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Signature: "0x00",
			Data:      data,
		},
		Op: logdb.OpPut,
	}
	entry.Hash, err = db.ContentHash(entry)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	record, err := store.AppendLog(entry.Hash, raw, func(prevChain string) string {
		return hash.NewHashChain(hasher, prevChain).Link(entry.Hash)
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Appended unburned entry %s at seq=%d\n", txid, record.Seq)
	fmt.Printf("  Hash: %s\n", record.Hash)
	return nil
}

// rewriteEntry edits a stored record in place, leaving its recorded hash
// stale.
func rewriteEntry(dbPath string, seq uint64, data string) error {
	fmt.Printf("Opening BoltDB: %s\n", dbPath)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}
	defer db.Close()

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.LogBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.LogBucket)
		}

		raw := bucket.Get(key)
		if raw == nil {
			return fmt.Errorf("no entry at seq=%d", seq)
		}

		var record storage.LogRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}
		entry, err := logdb.DecodeRecord(&record)
		if err != nil {
			return err
		}

		fmt.Printf("Found entry %s (seq=%d)\n", entry.Key, seq)
		fmt.Printf("  Original data: %s\n", entry.Value.Data)

		entry.Value.Data = data
		if record.Entry, err = json.Marshal(entry); err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		corrupted, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted record: %w", err)
		}

		fmt.Printf("✓ Rewrote seq=%d data to %q\n", seq, data)
		return nil
	})
}
