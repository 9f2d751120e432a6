package ledger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries a token indexer's REST API for transaction detail and
// verifies signed messages locally.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	parser     fastjson.ParserPool
}

const maxResponseSize = 4 << 20

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(baseURL string, client HTTPClient) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// GetTransaction fetches txid from the indexer. A transaction the indexer
// does not know about returns ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*BurnTransaction, error) {
	endpoint := fmt.Sprintf("%s/tx/%s", c.baseURL, url.PathEscape(txid))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ledger returned unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	return c.parseTransaction(body)
}

func (c *Client) parseTransaction(body []byte) (*BurnTransaction, error) {
	p := c.parser.Get()
	defer c.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	// Some indexers wrap the transaction in a txData envelope.
	if inner := v.Get("txData"); inner != nil {
		v = inner
	}

	tx := &BurnTransaction{
		TxID:           string(v.GetStringBytes("txid")),
		TokenID:        string(v.GetStringBytes("tokenId")),
		IsValidTokenTx: v.GetBool("isValidTokenTx"),
	}
	if tx.TxID == "" {
		return nil, fmt.Errorf("transaction response has no txid")
	}

	for i, in := range v.GetArray("vin") {
		qty, err := parseQty(in.Get("tokenQty"))
		if err != nil {
			return nil, fmt.Errorf("invalid tokenQty on vin %d: %w", i, err)
		}
		tx.Vin = append(tx.Vin, Input{
			TokenQty: qty,
			Address:  string(in.GetStringBytes("address")),
		})
	}

	for i, out := range v.GetArray("vout") {
		qty, err := parseQty(out.Get("tokenQty"))
		if err != nil {
			return nil, fmt.Errorf("invalid tokenQty on vout %d: %w", i, err)
		}
		var addrs []string
		for _, a := range out.GetArray("scriptPubKey", "addresses") {
			addrs = append(addrs, string(a.GetStringBytes()))
		}
		tx.Vout = append(tx.Vout, Output{
			TokenQty:        qty,
			ScriptAddresses: addrs,
		})
	}

	return tx, nil
}

// parseQty accepts a quantity encoded as a JSON number or string. A missing
// or null quantity is zero.
func parseQty(v *fastjson.Value) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, nil
	}

	switch v.Type() {
	case fastjson.TypeNull:
		return decimal.Zero, nil
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	case fastjson.TypeNumber:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %s", v.Type())
	}
}
