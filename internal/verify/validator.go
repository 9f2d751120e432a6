// Package verify decides whether a log entry is backed by a sufficient,
// correctly signed proof of burn.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/p2wdb/p2wdb/internal/events"
	"github.com/p2wdb/p2wdb/internal/ledger"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	// burnPrecision is the number of decimals the token ledger keeps.
	burnPrecision = 8
	// announceBacklog bounds the txids accepted before they had a hash.
	announceBacklog = 1024
)

type Ledger interface {
	GetTransaction(ctx context.Context, txid string) (*ledger.BurnTransaction, error)
	VerifySignedMessage(address, signature, message string) (bool, error)
}

type Index interface {
	Find(ctx context.Context, key string) ([]storage.ValidationRecord, error)
	Insert(ctx context.Context, record storage.ValidationRecord) (string, error)
}

type Queue interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

type PriceSource interface {
	CurrentRequiredBurnQty() float64
}

type Publisher interface {
	Publish(ev events.Validation)
}

type Config struct {
	TokenID     string
	MaxDataSize int
	MaxAge      time.Duration
	// Writes younger than FreshWindow wait SettleDelay before the ledger is
	// queried so the indexer has seen the burn.
	FreshWindow time.Duration
	SettleDelay time.Duration
	GraceFactor float64
	// DisableNotFoundCache stops a missing txid from being recorded as
	// permanently invalid.
	DisableNotFoundCache bool
}

func DefaultConfig() Config {
	return Config{
		MaxDataSize: 10000,
		MaxAge:      365 * 24 * time.Hour,
		FreshWindow: 10 * time.Second,
		SettleDelay: 5 * time.Second,
		GraceFactor: 0.98,
	}
}

type Deps struct {
	Ledger  Ledger
	Index   Index
	Queue   Queue
	Prices  PriceSource
	Events  Publisher
	Metrics *Metrics
}

type Validator struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger

	// unannounced holds txids whose full evaluation succeeded before the
	// entry was hashed. The first hashed sighting publishes the event.
	unannounced *lru.Cache[string, struct{}]

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Validator, error) {
	if deps.Ledger == nil || deps.Index == nil || deps.Prices == nil {
		return nil, fmt.Errorf("validator requires a ledger, an index and a price source")
	}
	if cfg.TokenID == "" {
		return nil, fmt.Errorf("validator requires a token id")
	}

	defaults := DefaultConfig()
	if cfg.MaxDataSize <= 0 {
		cfg.MaxDataSize = defaults.MaxDataSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.FreshWindow < 0 {
		cfg.FreshWindow = 0
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.GraceFactor < 0 || cfg.GraceFactor > 1 {
		return nil, fmt.Errorf("grace factor must be between 0 and 1, got %v", cfg.GraceFactor)
	}
	if cfg.GraceFactor == 0 {
		cfg.GraceFactor = defaults.GraceFactor
	}
	if deps.Queue == nil {
		deps.Queue = directQueue{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	unannounced, err := lru.New[string, struct{}](announceBacklog)
	if err != nil {
		return nil, fmt.Errorf("failed to create announcement cache: %w", err)
	}

	return &Validator{
		cfg:         cfg,
		deps:        deps,
		validate:    validator.New(),
		logger:      logger,
		unannounced: unannounced,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// CanAppend is the access gate. It never returns an error: anything that
// goes wrong while deciding counts as a rejection.
func (v *Validator) CanAppend(ctx context.Context, entry *logdb.LogEntry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Validator panicked", "panic", r)
			v.deps.Metrics.observeResult("error")
			ok = false
		}
	}()

	result, err := v.evaluate(ctx, entry)
	if err == nil {
		v.deps.Metrics.observeResult(result)
		return true
	}

	if rej := AsRejection(err); rej != nil {
		v.deps.Metrics.observeResult(string(rej.Reason))
		v.logger.Info("Entry rejected",
			"txid", rej.TxID,
			"reason", rej.Reason,
			"detail", rej.Detail,
			"permanent", rej.Permanent)
		return false
	}

	v.deps.Metrics.observeResult("error")
	v.logger.Error("Failed to validate entry", "error", err)
	return false
}

// Check runs the gate and reports the reason for a rejection.
func (v *Validator) Check(ctx context.Context, entry *logdb.LogEntry) error {
	_, err := v.evaluate(ctx, entry)
	return err
}

func (v *Validator) evaluate(ctx context.Context, entry *logdb.LogEntry) (string, error) {
	if entry == nil {
		return "", reject("", ReasonStructural, "nil entry")
	}
	if err := v.validate.Struct(entry); err != nil {
		return "", reject(entry.Key, ReasonStructural, "%v", err)
	}
	if len(entry.Value.Data) > v.cfg.MaxDataSize {
		return "", reject(entry.Key, ReasonOversize, "data is %d bytes, limit %d", len(entry.Value.Data), v.cfg.MaxDataSize)
	}

	records, err := v.deps.Index.Find(ctx, entry.Key)
	if err != nil {
		return "", fmt.Errorf("failed to look up validation for %s: %w", entry.Key, err)
	}
	if len(records) > 0 {
		if records[0].IsValid {
			if entry.Hash != "" && v.unannounced.Remove(entry.Key) {
				v.publish(entry)
			}
			return "cached_valid", nil
		}
		rej := reject(entry.Key, ReasonCachedInvalid, "txid previously rejected")
		rej.Permanent = true
		return "", rej
	}

	ts, err := parseTimestamp(entry.Value.Message)
	if err != nil {
		return "", reject(entry.Key, ReasonStructural, "message is not a timestamp: %v", err)
	}

	age := v.now().Sub(ts)
	if age > v.cfg.MaxAge {
		return "", reject(entry.Key, ReasonTooOld, "signed %s ago", age.Round(time.Second))
	}
	if age < v.cfg.FreshWindow && v.cfg.SettleDelay > 0 {
		v.logger.Debug("Waiting for ledger to settle", "txid", entry.Key, "delay", v.cfg.SettleDelay)
		if err := v.sleep(ctx, v.cfg.SettleDelay); err != nil {
			return "", err
		}
	}

	var rejection *Rejection
	start := time.Now()
	err = v.deps.Queue.Run(ctx, func(ctx context.Context) error {
		rej, err := v.verifyBurn(ctx, entry)
		if err != nil {
			return err
		}
		rejection = rej
		return nil
	})
	v.deps.Metrics.observeFetch(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if rejection != nil {
		return "", rejection
	}

	v.remember(ctx, entry, true)

	if entry.Hash == "" {
		v.unannounced.Add(entry.Key, struct{}{})
	} else {
		v.publish(entry)
	}

	return "valid", nil
}

// verifyBurn returns an error only when the attempt should be retried or
// abandoned; a definite answer comes back as a nil or non-nil rejection.
func (v *Validator) verifyBurn(ctx context.Context, entry *logdb.LogEntry) (*Rejection, error) {
	tx, err := v.deps.Ledger.GetTransaction(ctx, entry.Key)
	if errors.Is(err, ledger.ErrTxNotFound) || (err == nil && tx == nil) {
		if !v.cfg.DisableNotFoundCache {
			v.remember(ctx, entry, false)
		}
		rej := reject(entry.Key, ReasonTxNotFound, "ledger has no such transaction")
		rej.Permanent = !v.cfg.DisableNotFoundCache
		return rej, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", entry.Key, err)
	}

	if len(tx.Vout) < 2 || len(tx.Vout[1].ScriptAddresses) == 0 {
		return reject(entry.Key, ReasonNoSigner, "transaction has no address at output 1"), nil
	}
	signer := tx.Vout[1].ScriptAddresses[0]

	signed, err := v.deps.Ledger.VerifySignedMessage(signer, entry.Value.Signature, entry.Value.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature for %s: %w", entry.Key, err)
	}
	if !signed {
		return reject(entry.Key, ReasonBadSignature, "message not signed by %s", signer), nil
	}

	if !tx.IsValidTokenTx || tx.TokenID != v.cfg.TokenID {
		return reject(entry.Key, ReasonWrongToken, "token %q valid=%t", tx.TokenID, tx.IsValidTokenTx), nil
	}

	burned := tx.BurnedQty().Truncate(burnPrecision)
	required := decimal.NewFromFloat(v.deps.Prices.CurrentRequiredBurnQty())
	threshold := required.Mul(decimal.NewFromFloat(v.cfg.GraceFactor))
	if burned.LessThan(threshold) {
		return reject(entry.Key, ReasonInsufficientBurn, "burned %s, need %s", burned, threshold), nil
	}

	return nil, nil
}

func (v *Validator) publish(entry *logdb.LogEntry) {
	if v.deps.Events == nil {
		return
	}
	v.deps.Events.Publish(events.Validation{
		TxID: entry.Key,
		Hash: entry.Hash,
		Data: entry.Value.Data,
	})
}

func (v *Validator) remember(ctx context.Context, entry *logdb.LogEntry, valid bool) {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		v.logger.Warn("Failed to encode validation value", "txid", entry.Key, "error", err)
		return
	}

	_, err = v.deps.Index.Insert(ctx, storage.ValidationRecord{
		Key:     entry.Key,
		Hash:    entry.Hash,
		IsValid: valid,
		Value:   value,
	})
	if err != nil {
		v.logger.Warn("Failed to record validation", "txid", entry.Key, "valid", valid, "error", err)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type directQueue struct{}

func (directQueue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
