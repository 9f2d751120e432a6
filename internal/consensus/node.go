package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/p2wdb/p2wdb/internal/logdb"
)

const (
	defaultApplyTimeout = 10 * time.Second
	logCacheSize        = 512
)

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration
	// SnapshotThreshold is the number of new raft entries between snapshots.
	// Zero keeps the raft default.
	SnapshotThreshold uint64
}

// Node replicates accepted entries to every peer. It implements
// logdb.Replicator.
type Node struct {
	config *NodeConfig
	fsm    *FSM
	raft   *raft.Raft
	store  *raftboltdb.BoltStore
	logger *slog.Logger
}

func NewNode(cfg *NodeConfig, fsm *FSM, logger *slog.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("bind address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		config: cfg,
		fsm:    fsm,
		logger: logger,
	}, nil
}

func (n *Node) Start(ctx context.Context) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)
	if n.config.SnapshotThreshold > 0 {
		raftConfig.SnapshotThreshold = n.config.SnapshotThreshold
	}

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("failed to create raft store: %w", err)
	}
	n.store = boltStore

	logStore, err := raft.NewLogCache(logCacheSize, boltStore)
	if err != nil {
		return fmt.Errorf("failed to create log cache: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, io.Discard)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, boltStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, boltStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}

			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			n.logger.Info("Bootstrapped raft cluster", "servers", len(servers))
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForLeader(ctx); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	return nil
}

func (n *Node) waitForLeader(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if leader, _ := n.raft.LeaderWithID(); leader != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err == nil {
				for _, server := range future.Configuration().Servers {
					if server.ID == raft.ServerID(n.config.NodeID) {
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

// Stop hands leadership to a peer when this node leads a multi-node cluster,
// then shuts raft down.
func (n *Node) Stop() error {
	if n.raft == nil {
		return nil
	}

	if n.IsLeader() && n.clusterSize() > 1 {
		if err := n.TransferLeadership(); err != nil {
			n.logger.Warn("Leadership transfer before shutdown failed", "error", err)
		}
	}

	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shutdown raft: %w", err)
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("failed to close raft store: %w", err)
		}
	}
	return nil
}

// Replicate commits entry to the raft log. It returns once the local FSM has
// applied it; an entry the gate refused comes back as the FSM's error.
func (n *Node) Replicate(ctx context.Context, entry *logdb.LogEntry) error {
	if n.raft == nil {
		return ErrNotStarted
	}
	if n.raft.State() != raft.Leader {
		leader, _ := n.raft.LeaderWithID()
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, leader)
	}

	data, err := json.Marshal(Command{
		Type:      CommandAppend,
		Entry:     entry,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := n.config.ApplyTimeout
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}

	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) AddPeer(id, addr string) error {
	if n.raft == nil {
		return ErrNotStarted
	}
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

func (n *Node) RemovePeer(id string) error {
	if n.raft == nil {
		return ErrNotStarted
	}
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}

func (n *Node) TransferLeadership() error {
	if n.raft == nil {
		return ErrNotStarted
	}
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("%w: cannot transfer", ErrNotLeader)
	}

	if err := n.raft.LeadershipTransfer().Error(); err != nil {
		return fmt.Errorf("leadership transfer failed: %w", err)
	}
	return nil
}

func (n *Node) clusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}
