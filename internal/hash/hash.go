package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE3     Algorithm = "blake3"
	BLAKE2b256 Algorithm = "blake2b_256"
)

func (a Algorithm) Valid() bool {
	switch a {
	case SHA256, BLAKE3, BLAKE2b256:
		return true
	}
	return false
}

// Hasher produces hex digests under a single algorithm.
type Hasher struct {
	algo Algorithm
}

func New(algo Algorithm) (*Hasher, error) {
	if algo == "" {
		algo = SHA256
	}
	if !algo.Valid() {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	return &Hasher{algo: algo}, nil
}

func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

func (h *Hasher) Sum(data []byte) string {
	switch h.algo {
	case BLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	case BLAKE2b256:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

func (h *Hasher) SumString(data string) string {
	return h.Sum([]byte(data))
}

// Calculate hashes the JSON encoding of data. Struct field order makes the
// encoding canonical for the types this package is used with.
func (h *Hasher) Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}
	return h.Sum(jsonData), nil
}

type HashChain struct {
	hasher       *Hasher
	previousHash string
}

func NewHashChain(hasher *Hasher, initialHash string) *HashChain {
	return &HashChain{
		hasher:       hasher,
		previousHash: initialHash,
	}
}

// Link folds an entry hash into the chain and returns the new chain head.
func (hc *HashChain) Link(entryHash string) string {
	hc.previousHash = hc.hasher.SumString(hc.previousHash + entryHash)
	return hc.previousHash
}

func (hc *HashChain) GetPreviousHash() string {
	return hc.previousHash
}

func (hc *HashChain) SetPreviousHash(hash string) {
	hc.previousHash = hash
}

// ChainHead folds hashes, in order, into a chain started from the empty
// head and returns the result. It equals the Chain of the last log record
// holding exactly those hashes.
func (h *Hasher) ChainHead(hashes []string) string {
	chain := NewHashChain(h, "")
	for _, entryHash := range hashes {
		chain.Link(entryHash)
	}
	return chain.GetPreviousHash()
}
