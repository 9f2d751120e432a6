package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// legacyRecoveryOffset is added to the recovery id by wallets that follow
// the original signed-message convention.
const legacyRecoveryOffset = 27

// messageHash returns the digest a wallet signs for a plain-text message.
// The prefix keeps a signed message from ever being a valid transaction
// signature.
func messageHash(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), []byte(message))
}

// SignMessage produces a hex-encoded 65 byte [R|S|V] signature over message.
func SignMessage(message string, privateKey *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(messageHash(message), privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += legacyRecoveryOffset

	return hexutil.Encode(sig), nil
}

// VerifySignedMessage reports whether signature over message was produced by
// the key behind address. Malformed input is a mismatch, not an error.
func (c *Client) VerifySignedMessage(address, signature, message string) (bool, error) {
	return VerifySignedMessage(address, signature, message), nil
}

func VerifySignedMessage(address, signature, message string) bool {
	if !common.IsHexAddress(address) {
		return false
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}

	// Recovery expects a 0/1 id; accept both conventions.
	if sig[crypto.RecoveryIDOffset] >= legacyRecoveryOffset {
		sig[crypto.RecoveryIDOffset] -= legacyRecoveryOffset
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return false
	}

	publicKey, err := crypto.SigToPub(messageHash(message), sig)
	if err != nil {
		return false
	}

	recovered := crypto.PubkeyToAddress(*publicKey)
	return strings.EqualFold(recovered.Hex(), common.HexToAddress(address).Hex())
}

// AddressOf returns the address controlled by privateKey.
func AddressOf(privateKey *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(privateKey.PublicKey).Hex()
}
