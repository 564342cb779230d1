package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	raw := Build("abc123servicepubkey", []string{"wss://relay.one", "wss://relay.two"}, "deadbeef")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc123servicepubkey", parsed.ServicePubkey)
	assert.ElementsMatch(t, []string{"wss://relay.one", "wss://relay.two"}, parsed.Relays)
	assert.Equal(t, "deadbeef", parsed.ClientSecret)
}

func TestParseRejectsWrongScheme(t *testing.T) {
	_, err := Parse("nostrwalletconnect://pubkey?secret=abc")
	assert.ErrorContains(t, err, "invalid_input")
}

func TestParseRequiresSecret(t *testing.T) {
	_, err := Parse(Scheme + "://pubkey?relay=wss://relay.one")
	assert.ErrorContains(t, err, "invalid_input")
}
