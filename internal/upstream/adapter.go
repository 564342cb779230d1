// Package upstream defines the Upstream Adapter (C6): a thin façade over
// the one upstream wallet the multiplexer fronts, plus a concrete
// HTTP/JSON client implementation (§4.6).
package upstream

import "context"

// InvoiceState mirrors the ledger's PendingInvoice state machine as
// reported by the upstream wallet.
type InvoiceState string

const (
	InvoiceStatePending InvoiceState = "pending"
	InvoiceStateSettled InvoiceState = "settled"
	InvoiceStateFailed  InvoiceState = "failed"
	InvoiceStateExpired InvoiceState = "expired"
)

// MakeInvoiceOpts are the optional fields accepted by make_invoice.
type MakeInvoiceOpts struct {
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySeconds   int64  `json:"expiry,omitempty"`
}

// Invoice is the upstream's response to make_invoice, and the shape
// lookup_invoice also returns (§4.6).
type Invoice struct {
	Invoice         string       `json:"invoice"`
	PaymentHash     string       `json:"payment_hash"`
	DescriptionHash string       `json:"description_hash,omitempty"`
	AmountMsats     int64        `json:"amount_msats"`
	State           InvoiceState `json:"state"`
	ExpiresAt       *int64       `json:"expires_at,omitempty"`
	SettledAt       *int64       `json:"settled_at,omitempty"`
	Raw             string       `json:"raw,omitempty"` // opaque JSON of the upstream's original response
}

// PaymentResult is the upstream's response to pay_invoice.
type PaymentResult struct {
	Preimage      string `json:"preimage"`
	FeesPaidMsats int64  `json:"fees_paid_msats"`
	Raw           string `json:"raw,omitempty"`
}

// Info is the upstream's get_info response, returned to clients verbatim
// (§4.5 get_info).
type Info struct {
	Alias       string   `json:"alias"`
	Pubkey      string   `json:"pubkey"`
	Network     string   `json:"network"`
	BlockHeight int64    `json:"block_height"`
	Methods     []string `json:"methods,omitempty"`
	Raw         string   `json:"raw,omitempty"`
}

// Notification is one payment_received event from the upstream's
// notification stream (§4.6, §4.7 trigger (a)).
type Notification struct {
	Type            string `json:"type"` // "incoming" (the only type the notification loop forwards) or "lookup" (built by the lookup_invoice handler)
	PaymentHash     string `json:"payment_hash,omitempty"`
	Invoice         string `json:"invoice,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	AmountMsats     int64  `json:"amount"`
	SettledAt       *int64 `json:"settled_at,omitempty"`
	Raw             string `json:"raw,omitempty"`
}

// rawRecorder is implemented by every response type that carries a Raw
// audit field, letting do() populate it generically after a successful
// unmarshal instead of repeating the assignment in each call site.
type rawRecorder interface {
	setRaw(string)
}

func (i *Info) setRaw(raw string)          { i.Raw = raw }
func (i *Invoice) setRaw(raw string)       { i.Raw = raw }
func (p *PaymentResult) setRaw(raw string) { p.Raw = raw }

// Adapter is the contract the core requires of the external upstream
// wallet client (§4.6). Implementations must be safe for concurrent use
// from the core's point of view: either genuinely thread-safe, or
// internally serialized.
type Adapter interface {
	GetInfo(ctx context.Context) (*Info, error)
	MakeInvoice(ctx context.Context, amountMsats int64, opts MakeInvoiceOpts) (*Invoice, error)
	PayInvoice(ctx context.Context, invoice string, amountOverrideMsats *int64) (*PaymentResult, error)
	LookupInvoice(ctx context.Context, paymentHash, invoice string) (*Invoice, error)

	// SupportsNotifications reports whether Notifications is meaningful.
	SupportsNotifications() bool
	// Notifications returns a channel of incoming-payment notifications,
	// closed when ctx is cancelled. Callers must not call it when
	// SupportsNotifications returns false.
	Notifications(ctx context.Context) (<-chan Notification, error)
}
