package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/p2wdb/p2wdb/internal/api"
	"github.com/p2wdb/p2wdb/internal/config"
	"github.com/p2wdb/p2wdb/internal/consensus"
	"github.com/p2wdb/p2wdb/internal/ledger"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "p2wdb",
	Short: "p2wdb - Pay-to-Write Replicated Database",
	Long:  `An append-only replicated key-value log where every write is paid for with a proof of token burn`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "p2wdb.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	putCmd.Flags().String("key", "", "path to a hex-encoded private key used to sign a fresh timestamp")
	putCmd.Flags().String("message", "", "signed message, when signing elsewhere")
	putCmd.Flags().String("signature", "", "signature over --message")
	listCmd.Flags().Int("limit", 0, "maximum number of entries (0 = all)")
	verifyCmd.Flags().Bool("gate", true, "re-check every entry against the proof-of-burn gate")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)

	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerRemoveCmd)
	rootCmd.AddCommand(peerCmd)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadNode opens the database for a one-shot command. Metrics are not
// registered because nothing serves them.
func loadNode(ctx context.Context) (*node, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openNode(ctx, cfg, nil, newLogger())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("p2wdb v0.1.0")
		fmt.Println("Pay-to-Write Replicated Database")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize p2wdb node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.close()

		if err := n.db.Start(ctx); err != nil {
			return fmt.Errorf("failed to start database: %w", err)
		}
		address, err := n.db.Address()
		if err != nil {
			return err
		}

		fmt.Printf("Initialized p2wdb node: %s\n", n.cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", n.cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", dbPath(n.cfg))
		fmt.Printf("Database address: %s\n", address)

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start p2wdb node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n, err := openNode(ctx, cfg, prometheus.DefaultRegisterer, logger)
		if err != nil {
			return err
		}
		defer n.close()

		if err := n.db.Start(ctx); err != nil {
			return fmt.Errorf("failed to start database: %w", err)
		}

		if n.poller != nil {
			if err := n.poller.Start(ctx); err != nil {
				return fmt.Errorf("failed to start price poller: %w", err)
			}
		}

		var members api.Membership
		if cfg.Replicates() {
			fsm := consensus.NewFSM(n.db, n.store, n.hasher, logger)
			raftNode, err := consensus.NewNode(&consensus.NodeConfig{
				NodeID:    cfg.Node.ID,
				BindAddr:  cfg.Node.BindAddr,
				DataDir:   cfg.Node.DataDir,
				Bootstrap: cfg.Node.Bootstrap,
				PeerAddrs: cfg.Node.PeerAddrs,
			}, fsm, logger)
			if err != nil {
				return fmt.Errorf("failed to create raft node: %w", err)
			}

			if err := raftNode.Start(ctx); err != nil {
				return fmt.Errorf("failed to start raft node: %w", err)
			}
			defer raftNode.Stop()

			n.db.SetReplicator(raftNode)
			members = raftNode
			logger.Info("Raft node started", "leader", raftNode.Leader())
		} else {
			logger.Info("Running in single-node mode (no Raft)")
		}

		auditor := n.auditor(true)
		if err := auditor.Start(ctx, cfg.Audit.Interval); err != nil {
			return fmt.Errorf("failed to start auditor: %w", err)
		}
		defer auditor.Stop()

		if cfg.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("Serving metrics", "addr", cfg.Metrics.Addr)
		}

		if cfg.API.Addr != "" {
			apiServer := api.NewServer(n.db, members, logger)
			go func() {
				if err := apiServer.Start(cfg.API.Addr); err != nil {
					logger.Error("Command endpoint failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				apiServer.Shutdown(shutdownCtx)
			}()
			logger.Info("Serving command endpoint", "addr", cfg.API.Addr)
		} else if cfg.Replicates() {
			logger.Warn("No api.addr configured; this node accepts writes only from peers")
		}

		fmt.Println("p2wdb node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := loadNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.close()

		entries, err := n.store.LogLength()
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}
		validations, err := n.store.ValidationCount()
		if err != nil {
			return fmt.Errorf("failed to read validations: %w", err)
		}
		address, err := n.db.Address()
		if err != nil {
			return err
		}

		fmt.Printf("Node ID: %s\n", n.cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", n.cfg.Node.DataDir)
		fmt.Printf("Database: %s\n", address)
		fmt.Printf("Hash Algorithm: %s\n", n.hasher.Algorithm())
		fmt.Printf("Log Entries: %d\n", entries)
		fmt.Printf("Validation Records: %d\n", validations)
		fmt.Printf("Required Burn: %v\n", n.prices.CurrentRequiredBurnQty())

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify log integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		withGate, _ := cmd.Flags().GetBool("gate")

		n, err := loadNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.close()

		report, err := n.auditor(withGate).Audit(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Verified %d log entries\n", report.Records)
		if report.OK() {
			fmt.Printf("  ✅ OK: Log is intact\n")
			return nil
		}

		for _, f := range report.Findings {
			fmt.Printf("  ❌ seq=%d: %s\n", f.Seq, f.Detail)
		}
		return fmt.Errorf("found %d integrity violations", len(report.Findings))
	},
}

var putCmd = &cobra.Command{
	Use:   "put <txid> <data>",
	Short: "Append an entry paid for by burn transaction txid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		message, _ := cmd.Flags().GetString("message")
		signature, _ := cmd.Flags().GetString("signature")

		if keyPath != "" {
			privateKey, err := crypto.LoadECDSA(keyPath)
			if err != nil {
				return fmt.Errorf("failed to load key: %w", err)
			}
			message = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
			signature, err = ledger.SignMessage(message, privateKey)
			if err != nil {
				return err
			}
		}
		if message == "" || signature == "" {
			return fmt.Errorf("either --key or both --message and --signature are required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		hash, err := putEntry(cmd.Context(), cfg, args[0], logdb.Value{
			Message:   message,
			Signature: signature,
			Data:      args[1],
		}, newLogger())
		if err != nil {
			return err
		}

		fmt.Printf("Appended %s\n", args[0])
		fmt.Printf("  Hash: %s\n", hash)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <txid>",
	Short: "Print the latest value written under txid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		value, found, err := getEntry(cmd.Context(), cfg, args[0], newLogger())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no entry for %s", args[0])
		}

		return printJSON(value)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest value of every key, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		items, err := listEntries(cmd.Context(), cfg, limit, newLogger())
		if err != nil {
			return err
		}

		for _, item := range items {
			fmt.Printf("%s\t%s\t%s\n", item.Key, item.Hash, strings.ReplaceAll(item.Value.Data, "\n", " "))
		}
		return nil
	},
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Change the raft membership of the running node",
}

var peerAddCmd = &cobra.Command{
	Use:   "add <id> <addr>",
	Short: "Add a voting peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := runningNode(cfg)
		if err != nil {
			return err
		}

		if err := client.AddPeer(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Added peer %s (%s)\n", args[0], args[1])
		return nil
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := runningNode(cfg)
		if err != nil {
			return err
		}

		if err := client.RemovePeer(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed peer %s\n", args[0])
		return nil
	},
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
