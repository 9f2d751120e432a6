package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const sampleTx = `{
	"txid": "T1",
	"tokenId": "tok",
	"isValidTokenTx": true,
	"vin": [
		{"tokenQty": "1.50000000", "address": "0xabc"},
		{"address": "0xdef"},
		{"tokenQty": 0.25}
	],
	"vout": [
		{"tokenQty": null, "scriptPubKey": {"addresses": ["0x01"]}},
		{"tokenQty": "1.7", "scriptPubKey": {"addresses": ["0x02", "0x03"]}}
	]
}`

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/T1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTransaction(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, sampleTx)
	client := NewClient(srv.URL+"/", 0)

	tx, err := client.GetTransaction(context.Background(), "T1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}

	if tx.TxID != "T1" || tx.TokenID != "tok" || !tx.IsValidTokenTx {
		t.Errorf("Unexpected header fields: %+v", tx)
	}
	if len(tx.Vin) != 3 || len(tx.Vout) != 2 {
		t.Fatalf("Expected 3 vin and 2 vout, got %d/%d", len(tx.Vin), len(tx.Vout))
	}
	if !tx.Vin[1].TokenQty.IsZero() {
		t.Errorf("Missing quantity should be zero, got %s", tx.Vin[1].TokenQty)
	}
	if len(tx.Vout[1].ScriptAddresses) != 2 || tx.Vout[1].ScriptAddresses[0] != "0x02" {
		t.Errorf("Unexpected vout addresses: %v", tx.Vout[1].ScriptAddresses)
	}

	// 1.5 + 0.25 - 1.7
	if !tx.BurnedQty().Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected burned 0.05, got %s", tx.BurnedQty())
	}
}

func TestGetTransactionEnvelope(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"txData": `+sampleTx+`}`)
	client := NewClient(srv.URL, 0)

	tx, err := client.GetTransaction(context.Background(), "T1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.TxID != "T1" {
		t.Errorf("Expected T1, got %s", tx.TxID)
	}
}

func TestGetTransactionErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		txid      string
		want      error
		transient bool
	}{
		{"NotFound", http.StatusOK, sampleTx, "missing", ErrTxNotFound, false},
		{"RateLimited", http.StatusTooManyRequests, "", "T1", ErrRateLimited, true},
		{"ServerError", http.StatusBadGateway, "", "T1", ErrUnavailable, true},
		{"BadJSON", http.StatusOK, "{", "T1", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body)
			client := NewClient(srv.URL, 0)

			_, err := client.GetTransaction(context.Background(), tt.txid)
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("Expected transient=%v for %v", tt.transient, err)
			}
		})
	}
}

func TestSignedMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	address := AddressOf(key)
	message := "2024-01-01T00:00:00.000Z"

	sig, err := SignMessage(message, key)
	if err != nil {
		t.Fatalf("SignMessage failed: %v", err)
	}

	client := NewClient("http://unused", 0)
	ok, err := client.VerifySignedMessage(address, sig, message)
	if err != nil || !ok {
		t.Fatalf("Expected valid signature, got ok=%v err=%v", ok, err)
	}

	other, _ := crypto.GenerateKey()
	tests := []struct {
		name      string
		address   string
		signature string
		message   string
	}{
		{"WrongMessage", address, sig, "2024-01-02T00:00:00.000Z"},
		{"WrongAddress", AddressOf(other), sig, message},
		{"BadAddress", "not-an-address", sig, message},
		{"BadSignature", address, "0x1234", message},
		{"NotHex", address, "zz", message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignedMessage(tt.address, tt.signature, tt.message) {
				t.Error("Expected verification to fail")
			}
		})
	}
}
