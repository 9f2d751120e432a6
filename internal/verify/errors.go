package verify

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonStructural       Reason = "structural"
	ReasonOversize         Reason = "oversize"
	ReasonCachedInvalid    Reason = "cached_invalid"
	ReasonTooOld           Reason = "too_old"
	ReasonTxNotFound       Reason = "tx_not_found"
	ReasonNoSigner         Reason = "no_signer"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonWrongToken       Reason = "wrong_token"
	ReasonInsufficientBurn Reason = "insufficient_burn"
)

// Rejection explains why an entry was refused. Permanent rejections are
// remembered against the txid; the rest may be re-evaluated later.
type Rejection struct {
	TxID      string
	Reason    Reason
	Detail    string
	Permanent bool
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("entry %s rejected: %s", r.TxID, r.Reason)
	}
	return fmt.Sprintf("entry %s rejected: %s: %s", r.TxID, r.Reason, r.Detail)
}

func reject(txid string, reason Reason, format string, args ...any) *Rejection {
	return &Rejection{
		TxID:   txid,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

func AsRejection(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return nil
}
