package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/storage"
)

type LogScanner interface {
	ScanLog(fn func(*storage.LogRecord) error) error
}

type ContentHasher interface {
	ContentHash(entry *logdb.LogEntry) (string, error)
}

type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}

// Finding describes one log slot that does not match its neighbours or its
// own content.
type Finding struct {
	Seq    uint64
	Detail string
}

type AuditReport struct {
	Records  int
	Findings []Finding
}

func (r *AuditReport) OK() bool {
	return len(r.Findings) == 0
}

// Auditor re-walks the durable log and checks that every slot still links to
// its predecessor and still hashes to its recorded content. Entries are also
// re-checked against the gate so forged appends are reported.
type Auditor struct {
	log     LogScanner
	content ContentHasher
	hasher  *hash.Hasher
	gate    logdb.GateFunc
	alerter Alerter
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAuditor(log LogScanner, content ContentHasher, hasher *hash.Hasher, gate logdb.GateFunc, alerter Alerter, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{
		log:     log,
		content: content,
		hasher:  hasher,
		gate:    gate,
		alerter: alerter,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{}
	chain := hash.NewHashChain(a.hasher, "")

	type pending struct {
		seq   uint64
		entry *logdb.LogEntry
	}
	var puts []pending

	err := a.log.ScanLog(func(record *storage.LogRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Records++

		if record.PrevChain != chain.GetPreviousHash() {
			report.Findings = append(report.Findings, Finding{
				Seq:    record.Seq,
				Detail: fmt.Sprintf("chain broken: previous link %s, recorded %s", chain.GetPreviousHash(), record.PrevChain),
			})
		}
		chain.SetPreviousHash(record.PrevChain)
		if expected := chain.Link(record.Hash); expected != record.Chain {
			report.Findings = append(report.Findings, Finding{
				Seq:    record.Seq,
				Detail: fmt.Sprintf("link mismatch: expected %s, recorded %s", expected, record.Chain),
			})
		}
		chain.SetPreviousHash(record.Chain)

		entry, err := logdb.DecodeRecord(record)
		if err != nil {
			report.Findings = append(report.Findings, Finding{Seq: record.Seq, Detail: err.Error()})
			return nil
		}

		if a.content != nil {
			contentHash, err := a.content.ContentHash(entry)
			if err != nil {
				return fmt.Errorf("failed to hash entry %d: %w", record.Seq, err)
			}
			if contentHash != record.Hash || entry.Hash != record.Hash {
				report.Findings = append(report.Findings, Finding{
					Seq:    record.Seq,
					Detail: fmt.Sprintf("content hash %s does not match recorded %s", contentHash, record.Hash),
				})
			}
		}

		if entry.Op == logdb.OpPut {
			puts = append(puts, pending{seq: record.Seq, entry: entry})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}

	// The gate may reach the ledger, so it runs after the read transaction
	// is closed.
	if a.gate != nil {
		for _, p := range puts {
			if !a.gate(ctx, p.entry) {
				report.Findings = append(report.Findings, Finding{
					Seq:    p.seq,
					Detail: fmt.Sprintf("entry %s has no valid proof of burn", p.entry.Key),
				})
			}
		}
	}

	return report, nil
}

// Start runs one audit immediately and then every interval until Stop.
func (a *Auditor) Start(ctx context.Context, interval time.Duration) error {
	a.runOnce(ctx)

	if interval <= 0 {
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runOnce(ctx)
			}
		}
	}()

	return nil
}

func (a *Auditor) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Auditor) runOnce(ctx context.Context) {
	report, err := a.Audit(ctx)
	if err != nil {
		a.logger.Error("Log audit failed", "error", err)
		return
	}

	if report.OK() {
		a.logger.Info("Log audit passed", "records", report.Records)
		return
	}

	for _, f := range report.Findings {
		a.logger.Error("Log integrity violation", "sequence", f.Seq, "detail", f.Detail)
	}

	if a.alerter != nil {
		first := report.Findings[0]
		msg := fmt.Sprintf("%d of %d log records failed verification. First at seq %d: %s",
			len(report.Findings), report.Records, first.Seq, first.Detail)
		if err := a.alerter.SendSystemAlert("Log Integrity Violation", msg, "danger"); err != nil {
			a.logger.Error("Failed to send audit alert", "error", err)
		}
	}
}
