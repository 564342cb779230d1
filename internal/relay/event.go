// Package relay implements the transport-facing half of the Request
// Router (C4): the event model shared by every transport implementation,
// and the demultiplexing router that turns one subscription into ordered
// per-sub-wallet streams (§4.4).
package relay

// Kind distinguishes the handful of event shapes the multiplexer exchanges
// over the relay. Values are arbitrary; only self-consistency matters.
type Kind int

const (
	KindWalletRequest  Kind = 23194
	KindWalletResponse Kind = 23195
	KindWalletNotify   Kind = 23196
)

// Tag is a generic [name, value] pair, the same shape the reference
// transport's subscription filters use for tagged recipients.
type Tag [2]string

// Event is one message observed on (or published to) the relay transport.
// It carries enough envelope metadata for the router to address it and for
// the endpoint to authenticate its sender, while treating Content as an
// opaque, already-encrypted payload (§4.5 decrypts it, this package never
// does).
type Event struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	PubkeyFrom string `json:"pubkey_from"`
	Tags       []Tag  `json:"tags"`
	CreatedAt  int64  `json:"created_at"`
	Content    string `json:"content"`
	Sig        string `json:"sig"`
}

// RecipientPubkey returns the first "p"-tagged value, the addressed
// service_pubkey (§4.4 step 1).
func (e Event) RecipientPubkey() (string, bool) {
	for _, t := range e.Tags {
		if t[0] == "p" && t[1] != "" {
			return t[1], true
		}
	}
	return "", false
}

// WithRecipient returns a copy of e with its "p" tag set to pubkey,
// replacing any existing one. Used when publishing a response or
// notification back to a client.
func (e Event) WithRecipient(pubkey string) Event {
	out := e
	tags := make([]Tag, 0, len(e.Tags)+1)
	for _, t := range e.Tags {
		if t[0] != "p" {
			tags = append(tags, t)
		}
	}
	tags = append(tags, Tag{"p", pubkey})
	out.Tags = tags
	return out
}

// Filter selects which events a Subscribe call should observe: any event
// whose Kind is in Kinds and whose recipient tag is in PTags.
type Filter struct {
	Kinds []Kind
	PTags []string
}
