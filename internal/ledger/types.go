package ledger

import (
	"errors"
	"net"

	"github.com/shopspring/decimal"
)

var (
	ErrTxNotFound  = errors.New("transaction not found")
	ErrRateLimited = errors.New("ledger rate limit exceeded")
	ErrUnavailable = errors.New("ledger unavailable")
)

// Input is a transaction input as seen by the token indexer. A zero TokenQty
// means the input carried no tokens.
type Input struct {
	TokenQty decimal.Decimal
	Address  string
}

type Output struct {
	TokenQty        decimal.Decimal
	ScriptAddresses []string
}

// BurnTransaction is a point-in-time view of a token transaction.
type BurnTransaction struct {
	TxID           string
	Vin            []Input
	Vout           []Output
	IsValidTokenTx bool
	TokenID        string
}

// BurnedQty is the token quantity consumed by inputs and not re-issued to any
// output.
func (tx *BurnTransaction) BurnedQty() decimal.Decimal {
	var in, out decimal.Decimal
	for _, vin := range tx.Vin {
		in = in.Add(vin.TokenQty)
	}
	for _, vout := range tx.Vout {
		out = out.Add(vout.TokenQty)
	}
	return in.Sub(out)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
