package logdb

import (
	"errors"
)

type Operation string

const (
	OpPut Operation = "PUT"
	OpDel Operation = "DEL"
)

// Value is what a writer signs and pays for. Message is the exact signed
// string and doubles as the write's timestamp.
type Value struct {
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Data      string `json:"data" validate:"required"`
}

// LogEntry is the unit of replication. Key is the txid of the burn that paid
// for the write. Hash stays empty until the entry has passed the origination
// gate, and is immutable afterwards.
type LogEntry struct {
	Key   string    `json:"key" validate:"required"`
	Value Value     `json:"value"`
	Hash  string    `json:"hash,omitempty"`
	Op    Operation `json:"op" validate:"oneof=PUT DEL"`
}

// Item is one de-duplicated result of a log traversal.
type Item struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
	Hash  string `json:"hash"`
}

var (
	ErrInsufficientBurn = errors.New("insufficient proof of burn")
	ErrNotWired         = errors.New("access gate not injected")
	ErrHashMismatch     = errors.New("entry hash does not match content")
	ErrRejected         = errors.New("entry rejected by access gate")
)

// hashedContent is the part of an entry its hash is derived from.
type hashedContent struct {
	Op    Operation `json:"op"`
	Key   string    `json:"key"`
	Value Value     `json:"value"`
}
