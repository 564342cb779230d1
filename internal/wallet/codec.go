package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nwcmux/walletmux/internal/vault"
)

// sharedKey derives the symmetric key an endpoint and its authorized
// client use to encrypt and authenticate requests/responses between them:
// the ECDH shared secret between the sub-wallet's service key pair and
// the client's key pair (§4.5 "decrypts and verifies an incoming
// request"). Only the holder of servicePriv or clientPriv can derive it,
// so a request that decrypts successfully under this key is implicitly
// from the authorized client.
func sharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	secret := btcec.GenerateSharedSecret(priv, pub)
	var key [32]byte
	copy(key[:], secret)
	return key
}

func sealFor(priv *btcec.PrivateKey, pub *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	return vault.Seal(sharedKey(priv, pub), plaintext)
}

func openFrom(priv *btcec.PrivateKey, pub *btcec.PublicKey, envelope []byte) ([]byte, error) {
	return vault.Open(sharedKey(priv, pub), envelope)
}
