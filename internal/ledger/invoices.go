package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nwcmux/walletmux/internal/errs"
)

// RegisterPendingInvoiceParams are the fields needed to record a new
// upstream-issued invoice against a sub-account (§4.1).
type RegisterPendingInvoiceParams struct {
	SubAccountID    string
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsats     int64
	ExpiresAt       *int64
	Raw             string
}

func pendingInvoiceID(p RegisterPendingInvoiceParams) string {
	if p.PaymentHash != "" {
		return p.PaymentHash
	}
	if p.Invoice != "" {
		sum := sha256.Sum256([]byte(p.Invoice))
		return hex.EncodeToString(sum[:])
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// RegisterPendingInvoice inserts a new PendingInvoice in state `pending`
// and refreshes the owning SubAccount's pending_msats within the same
// transaction, upholding I-1.
func (s *Store) RegisterPendingInvoice(p RegisterPendingInvoiceParams) (*PendingInvoice, error) {
	if p.Invoice == "" && p.PaymentHash == "" && p.DescriptionHash == "" {
		return nil, fmt.Errorf("ledger: %w: invoice needs a payment_hash, invoice string, or description_hash", errs.ErrInvalidInput)
	}
	if p.AmountMsats <= 0 {
		return nil, fmt.Errorf("ledger: %w: amount_msats must be positive", errs.ErrInvalidInput)
	}

	unlock := s.locks.lock(p.SubAccountID)
	defer unlock()

	now := time.Now().UTC()
	record := &PendingInvoice{
		ID:              pendingInvoiceID(p),
		SubAccountID:    p.SubAccountID,
		Invoice:         p.Invoice,
		PaymentHash:     p.PaymentHash,
		DescriptionHash: p.DescriptionHash,
		AmountMsats:     p.AmountMsats,
		State:           InvoiceStatePending,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Raw:             p.Raw,
	}

	err := withRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var owner SubAccount
			if err := tx.Where("id = ?", p.SubAccountID).First(&owner).Error; err != nil {
				if isNotFound(err) {
					return errs.ErrUnknownSubAccount
				}
				return err
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			return refreshPendingAggregate(tx, p.SubAccountID)
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

var validTransitions = map[InvoiceState]map[InvoiceState]bool{
	InvoiceStatePending: {
		InvoiceStateSettled: true,
		InvoiceStateFailed:  true,
		InvoiceStateExpired: true,
	},
}

// UpdatePendingInvoiceState performs the only legal transitions out of
// `pending` (§4.1). creditedMsats is applied to the owning SubAccount's
// balance only for a `pending -> settled` transition (I-3); it falls back
// to the invoice's stored AmountMsats when nil.
func (s *Store) UpdatePendingInvoiceState(id string, newState InvoiceState, settledAt *time.Time, creditedMsats *int64) (*PendingInvoice, error) {
	var probe PendingInvoice
	if err := s.db.Where("id = ?", id).First(&probe).Error; err != nil {
		if isNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	unlock := s.locks.lock(probe.SubAccountID)
	defer unlock()

	var out PendingInvoice
	err := withRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			// Re-read under the lock: a concurrent settlement racing us
			// between the probe above and here must be observed here, not
			// the stale pre-lock state, or two callers can both see
			// `pending` and both apply pending->settled (I-3, P3).
			var record PendingInvoice
			if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
				if isNotFound(err) {
					return errs.ErrNotFound
				}
				return err
			}

			allowed := validTransitions[record.State]
			if !allowed[newState] {
				return fmt.Errorf("ledger: %w: %s -> %s", errs.ErrInvalidTransition, record.State, newState)
			}

			record.State = newState
			record.UpdatedAt = time.Now().UTC()
			if newState == InvoiceStateSettled {
				if settledAt != nil {
					record.SettledAt = settledAt
				} else {
					now := time.Now().UTC()
					record.SettledAt = &now
				}
			}
			if err := tx.Save(&record).Error; err != nil {
				return err
			}

			if err := refreshPendingAggregate(tx, record.SubAccountID); err != nil {
				return err
			}

			if newState == InvoiceStateSettled {
				credit := record.AmountMsats
				if creditedMsats != nil {
					credit = *creditedMsats
				}
				var owner SubAccount
				if err := tx.Where("id = ?", record.SubAccountID).First(&owner).Error; err != nil {
					return err
				}
				owner.BalanceMsats += credit
				owner.UpdatedAt = time.Now().UTC()
				if err := tx.Save(&owner).Error; err != nil {
					return err
				}
			}

			out = record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindPendingInvoiceCriteria matches on any of the three optional fields;
// preference order is payment_hash, then invoice, then description_hash
// (§4.7).
type FindPendingInvoiceCriteria struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
}

// FindPendingInvoice returns the most-recently-updated match, or
// ErrNotFound.
func (s *Store) FindPendingInvoice(c FindPendingInvoiceCriteria) (*PendingInvoice, error) {
	queries := []struct {
		col string
		val string
	}{
		{"payment_hash", c.PaymentHash},
		{"invoice", c.Invoice},
		{"description_hash", c.DescriptionHash},
	}
	for _, q := range queries {
		if q.val == "" {
			continue
		}
		var record PendingInvoice
		err := s.db.Where(q.col+" = ?", q.val).Order("updated_at desc").First(&record).Error
		if err == nil {
			return &record, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, errs.ErrNotFound
}

// PruneExpired transitions every `pending` invoice whose expires_at has
// passed into `expired`, refreshing aggregates. Idempotent (§4.1, §4.8).
func (s *Store) PruneExpired(nowUnix int64) ([]*PendingInvoice, error) {
	var expired []*PendingInvoice
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var candidates []PendingInvoice
		if err := tx.Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", InvoiceStatePending, nowUnix).Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		affectedSubAccounts := map[string]bool{}
		for i := range candidates {
			candidates[i].State = InvoiceStateExpired
			candidates[i].UpdatedAt = time.Now().UTC()
			if err := tx.Save(&candidates[i]).Error; err != nil {
				return err
			}
			affectedSubAccounts[candidates[i].SubAccountID] = true
			expired = append(expired, &candidates[i])
		}
		for subAccountID := range affectedSubAccounts {
			if err := refreshPendingAggregate(tx, subAccountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		log.Infof("pruned %d expired pending invoices", len(expired))
	}
	return expired, nil
}

// ListPendingInvoices returns every PendingInvoice owned by subAccountID,
// most recent first (§6.4).
func (s *Store) ListPendingInvoices(subAccountID string) ([]*PendingInvoice, error) {
	var records []*PendingInvoice
	if err := s.db.Where("sub_account_id = ?", subAccountID).Order("created_at desc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// refreshPendingAggregate recomputes pending_msats as the sum of
// amount_msats over all `pending` PendingInvoices for subAccountID,
// upholding I-1. Must be called within the same transaction as any
// PendingInvoice state change.
func refreshPendingAggregate(tx *gorm.DB, subAccountID string) error {
	var sum int64
	err := tx.Model(&PendingInvoice{}).
		Where("sub_account_id = ? AND state = ?", subAccountID, InvoiceStatePending).
		Select("COALESCE(SUM(amount_msats), 0)").
		Scan(&sum).Error
	if err != nil {
		return err
	}
	return tx.Model(&SubAccount{}).Where("id = ?", subAccountID).Update("pending_msats", sum).Error
}
