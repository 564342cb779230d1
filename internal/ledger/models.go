package ledger

import "time"

// InvoiceState is the PendingInvoice state machine (§3, §4.1).
type InvoiceState string

const (
	InvoiceStatePending InvoiceState = "pending"
	InvoiceStateSettled InvoiceState = "settled"
	InvoiceStateFailed  InvoiceState = "failed"
	InvoiceStateExpired InvoiceState = "expired"
)

// SubAccount is the persisted row for one virtual sub-wallet (§3, §6.1).
type SubAccount struct {
	ID          string `gorm:"primaryKey"`
	Label       string `gorm:"not null"`
	Description string
	Relays      string `gorm:"not null"` // JSON array of strings

	ServicePubkey string `gorm:"not null;uniqueIndex"`
	ServiceSecret []byte `gorm:"not null"` // vault envelope
	ClientPubkey  string `gorm:"not null;uniqueIndex"`
	ClientSecret  []byte `gorm:"not null"` // vault envelope

	BalanceMsats int64 `gorm:"not null;default:0"`
	PendingMsats int64 `gorm:"not null;default:0"`

	Metadata string // JSON or empty

	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
	LastUsedAt *time.Time
	UsageCount int64 `gorm:"not null;default:0"`
}

func (SubAccount) TableName() string { return "sub_accounts" }

// PendingInvoice is the persisted row for one issued, unsettled invoice
// (§3, §6.1).
type PendingInvoice struct {
	ID              string `gorm:"primaryKey"`
	SubAccountID    string `gorm:"not null;index:idx_sub_account_state"`
	Invoice         string `gorm:"index"`
	PaymentHash     string `gorm:"index"`
	DescriptionHash string

	AmountMsats int64        `gorm:"not null"`
	State       InvoiceState `gorm:"not null;index:idx_sub_account_state"`

	ExpiresAt *int64 // unix seconds

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	SettledAt *time.Time

	Raw string // opaque JSON of the upstream's original response
}

func (PendingInvoice) TableName() string { return "pending_invoices" }
