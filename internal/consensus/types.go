package consensus

import (
	"errors"
	"time"

	"github.com/p2wdb/p2wdb/internal/logdb"
)

type CommandType string

const (
	CommandAppend CommandType = "append"
)

// Command is the payload of one raft log entry.
type Command struct {
	Type      CommandType     `json:"type"`
	Entry     *logdb.LogEntry `json:"entry"`
	Timestamp time.Time       `json:"timestamp"`
}

// snapshotPayload is what a snapshot carries, before compression. Head is
// the hash chain over the entry hashes in log order, and Index the last raft
// index the entries reflect.
type snapshotPayload struct {
	Algorithm string            `json:"algorithm"`
	Index     uint64            `json:"index"`
	Head      string            `json:"head"`
	Entries   []*logdb.LogEntry `json:"entries"`
	Timestamp time.Time         `json:"timestamp"`
}

var (
	ErrNotLeader       = errors.New("not the leader")
	ErrNotStarted      = errors.New("raft not initialized")
	ErrSnapshotCorrupt = errors.New("snapshot chain head does not match its entries")
)
