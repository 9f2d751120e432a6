package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/p2wdb/p2wdb/internal/logdb"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a running node's command endpoint.
type Client struct {
	baseURL    string
	httpClient HTTPClient
}

// NewClient connects to addr, given as host:port or as a URL.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return NewClientWithHTTP(addr, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(baseURL string, client HTTPClient) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (c *Client) Put(ctx context.Context, txid string, value logdb.Value) (string, error) {
	var resp PutResponse
	err := c.do(ctx, http.MethodPost, "/entries", PutRequest{
		TxID:      txid,
		Message:   value.Message,
		Signature: value.Signature,
		Data:      value.Data,
	}, http.StatusCreated, &resp)
	if err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Get returns found=false when the node has no entry for txid.
func (c *Client) Get(ctx context.Context, txid string) (*logdb.Value, bool, error) {
	var value logdb.Value
	err := c.do(ctx, http.MethodGet, "/entries/"+url.PathEscape(txid), nil, http.StatusOK, &value)
	var status *StatusError
	if errors.As(err, &status) && status.Code == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &value, true, nil
}

func (c *Client) List(ctx context.Context, limit int) ([]logdb.Item, error) {
	var items []logdb.Item
	path := fmt.Sprintf("/entries?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) AddPeer(ctx context.Context, id, addr string) error {
	return c.do(ctx, http.MethodPost, "/peers", PeerRequest{ID: id, Addr: addr}, http.StatusNoContent, nil)
}

func (c *Client) RemovePeer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/peers/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// StatusError is a non-success answer from the node. A refused write maps
// to logdb.ErrInsufficientBurn through Unwrap.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusPaymentRequired {
		return logdb.ErrInsufficientBurn
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		var e errorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
