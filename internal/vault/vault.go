// Package vault implements the Credential Vault (C2): symmetric
// authenticated encryption of 32-byte secrets at rest, and the master-key
// derivation rules of spec §4.2.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/nwcmux/walletmux/internal/errs"
)

const (
	envelopeVersion = 0x01
	ivLength        = 12
	tagLength       = 16
	keyLength       = 32
)

// Vault holds the process-global, read-only-after-init master key used to
// encrypt and decrypt sub-account secrets.
type Vault struct {
	key [keyLength]byte
}

// New derives the vault's symmetric key from an operator-supplied master
// key per §4.2: 64 lowercase hex chars decode directly to 32 bytes; else a
// 32-byte base64 string decodes directly; else the key is SHA-256 of the
// input string.
func New(masterKey string) (*Vault, error) {
	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

func deriveKey(masterKey string) ([]byte, error) {
	if len(masterKey) == hex.EncodedLen(keyLength) && isLowerHex(masterKey) {
		decoded, err := hex.DecodeString(masterKey)
		if err == nil && len(decoded) == keyLength {
			return decoded, nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(decoded) == keyLength {
		return decoded, nil
	}
	sum := sha256.Sum256([]byte(masterKey))
	return sum[:], nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// Encrypt seals plaintext into the versioned envelope described in §4.2,
// under the vault's master key.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	return Seal(v.key, plaintext)
}

// Decrypt opens an envelope produced by Encrypt, under the vault's master
// key. It fails with ErrBadVersion on an unrecognized version byte,
// ErrBadIVLength on an IV length mismatch, and ErrAuthFailure when the tag
// does not verify (tampered ciphertext or wrong key).
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	return Open(v.key, envelope)
}

// Seal encrypts plaintext under an arbitrary 32-byte key using the same
// versioned envelope as the vault's own secrets-at-rest encryption:
//
//	byte 0     : version (0x01)
//	byte 1     : iv length (0x0C)
//	bytes 2..N : iv
//	bytes next : auth tag (16 bytes)
//	bytes rest : ciphertext
//
// Exported so other components that need an authenticated-encryption
// envelope under a key they derive themselves (e.g. an ECDH shared
// secret) reuse this format rather than inventing a second one.
func Seal(key [keyLength]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	envelope := make([]byte, 0, 2+ivLength+tagLength+len(ciphertext))
	envelope = append(envelope, envelopeVersion, ivLength)
	envelope = append(envelope, iv...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Open decrypts an envelope produced by Seal under the same key.
func Open(key [keyLength]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, fmt.Errorf("vault: envelope too short: %w", errs.ErrBadVersion)
	}
	version := envelope[0]
	if version != envelopeVersion {
		return nil, fmt.Errorf("vault: unknown version %d: %w", version, errs.ErrBadVersion)
	}
	declaredIVLen := int(envelope[1])
	if declaredIVLen != ivLength {
		return nil, fmt.Errorf("vault: iv length %d: %w", declaredIVLen, errs.ErrBadIVLength)
	}
	if len(envelope) < 2+declaredIVLen+tagLength {
		return nil, fmt.Errorf("vault: envelope truncated: %w", errs.ErrBadIVLength)
	}
	iv := envelope[2 : 2+declaredIVLen]
	tag := envelope[2+declaredIVLen : 2+declaredIVLen+tagLength]
	ciphertext := envelope[2+declaredIVLen+tagLength:]

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", errs.ErrAuthFailure)
	}
	return plaintext, nil
}
