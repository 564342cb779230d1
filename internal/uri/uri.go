// Package uri builds and parses the client-visible connect URI (§6.2):
// the sole credential a client needs to reach one sub-wallet.
package uri

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nwcmux/walletmux/internal/errs"
)

// Scheme is fixed and carries the transport kind (§6.2).
const Scheme = "walletmux"

// Build returns `<scheme>://<service_pubkey>?relay=<url>&secret=<client_secret_hex>`.
// Additional relays are appended as repeated relay= query parameters.
func Build(servicePubkey string, relays []string, clientSecretHex string) string {
	v := url.Values{}
	for _, r := range relays {
		v.Add("relay", r)
	}
	v.Set("secret", clientSecretHex)
	return fmt.Sprintf("%s://%s?%s", Scheme, servicePubkey, v.Encode())
}

// Parsed is the decoded form of a connect URI.
type Parsed struct {
	ServicePubkey string
	Relays        []string
	ClientSecret  string
}

// Parse validates and decodes a connect URI produced by Build.
func Parse(raw string) (*Parsed, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: %w: %v", errs.ErrInvalidInput, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("uri: %w: unexpected scheme %q", errs.ErrInvalidInput, u.Scheme)
	}
	servicePubkey := strings.TrimPrefix(u.Opaque, "//")
	if servicePubkey == "" {
		servicePubkey = u.Host
	}
	if servicePubkey == "" {
		return nil, fmt.Errorf("uri: %w: missing service_pubkey", errs.ErrInvalidInput)
	}

	secret := u.Query().Get("secret")
	if secret == "" {
		return nil, fmt.Errorf("uri: %w: missing secret", errs.ErrInvalidInput)
	}

	return &Parsed{
		ServicePubkey: servicePubkey,
		Relays:        u.Query()["relay"],
		ClientSecret:  secret,
	}, nil
}
