package pricing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastjson"
)

// Static is a fixed write price.
type Static float64

func (s Static) CurrentRequiredBurnQty() float64 {
	return float64(s)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Poller keeps the write price in sync with a remote pricing endpoint that
// answers {"requiredBurnQty": <number>}. A failed refresh keeps the last
// good price.
type Poller struct {
	url        string
	interval   time.Duration
	httpClient HTTPClient
	logger     *slog.Logger

	current atomic.Uint64
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPoller(url string, interval time.Duration, initial float64, logger *slog.Logger) *Poller {
	return NewPollerWithClient(url, interval, initial, &http.Client{Timeout: 10 * time.Second}, logger)
}

func NewPollerWithClient(url string, interval time.Duration, initial float64, client HTTPClient, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	p := &Poller{
		url:        url,
		interval:   interval,
		httpClient: client,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	p.current.Store(math.Float64bits(initial))
	return p
}

func (p *Poller) CurrentRequiredBurnQty() float64 {
	return math.Float64frombits(p.current.Load())
}

// Start performs one refresh and then keeps refreshing in the background
// until Stop or ctx cancellation.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("Initial price refresh failed, using configured price",
			"price", p.CurrentRequiredBurnQty(),
			"error", err)
	}

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("Price refresh failed", "error", err)
			}
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing endpoint returned non-200 status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read price: %w", err)
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return fmt.Errorf("failed to parse price: %w", err)
	}

	field := v.Get("requiredBurnQty")
	if field == nil {
		return fmt.Errorf("price response has no requiredBurnQty")
	}
	price, err := field.Float64()
	if err != nil {
		return fmt.Errorf("invalid requiredBurnQty: %w", err)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("invalid requiredBurnQty: %v", price)
	}

	previous := p.CurrentRequiredBurnQty()
	p.current.Store(math.Float64bits(price))
	if previous != price {
		p.logger.Info("Write price updated", "previous", previous, "current", price)
	}
	return nil
}
