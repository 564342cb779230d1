// Package keys derives the service and client key pairs (§3) used to
// address and authorize a sub-wallet: a 32-byte secp256k1 scalar and its
// 33-byte compressed public point.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

const SecretLength = 32

// GenerateSecret returns 32 fresh random bytes suitable as a service or
// client secret.
func GenerateSecret() ([]byte, error) {
	buf := make([]byte, SecretLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ParseSecretHex validates a hex-encoded 32-byte secret and returns the raw
// bytes.
func ParseSecretHex(secretHex string) ([]byte, error) {
	decoded, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid hex: %w", err)
	}
	if len(decoded) != SecretLength {
		return nil, fmt.Errorf("keys: secret must be %d bytes, got %d", SecretLength, len(decoded))
	}
	return decoded, nil
}

// PubkeyHex derives the 33-byte compressed public key for a secret and
// returns its hex encoding.
func PubkeyHex(secret []byte) (string, error) {
	if len(secret) != SecretLength {
		return "", fmt.Errorf("keys: secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	priv, pub := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}
