package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nwcmux/walletmux/internal/errs"
	"github.com/nwcmux/walletmux/internal/keys"
)

// CreateSubAccountInput are the operator-supplied fields for a new
// sub-account (§4.1, §6.4).
type CreateSubAccountInput struct {
	Label            string
	Description      string
	Relays           []string
	Metadata         map[string]any
	ServiceSecretHex string // optional; generated when empty
	ClientSecretHex  string // optional; generated when empty
}

// SubAccountSecrets carries the plaintext secrets back to the caller once,
// at creation time only (§4.1).
type SubAccountSecrets struct {
	ServiceSecretHex string
	ClientSecretHex  string
}

// CreateSubAccount generates or validates the service/client key pairs,
// encrypts the secrets, and inserts a new zero-balance row (I-4).
func (s *Store) CreateSubAccount(input CreateSubAccountInput) (*SubAccount, *SubAccountSecrets, error) {
	serviceSecret, err := resolveSecret(input.ServiceSecretHex)
	if err != nil {
		return nil, nil, err
	}
	clientSecret, err := resolveSecret(input.ClientSecretHex)
	if err != nil {
		return nil, nil, err
	}

	servicePubkey, err := keys.PubkeyHex(serviceSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: %w: %v", errs.ErrInvalidInput, err)
	}
	clientPubkey, err := keys.PubkeyHex(clientSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: %w: %v", errs.ErrInvalidInput, err)
	}

	serviceEnvelope, err := s.vault.Encrypt(serviceSecret)
	if err != nil {
		return nil, nil, err
	}
	clientEnvelope, err := s.vault.Encrypt(clientSecret)
	if err != nil {
		return nil, nil, err
	}

	relaysJSON, err := json.Marshal(input.Relays)
	if err != nil {
		return nil, nil, err
	}
	var metadataJSON string
	if input.Metadata != nil {
		b, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, nil, err
		}
		metadataJSON = string(b)
	}

	now := time.Now().UTC()
	record := &SubAccount{
		ID:            uuid.NewString(),
		Label:         input.Label,
		Description:   input.Description,
		Relays:        string(relaysJSON),
		ServicePubkey: servicePubkey,
		ServiceSecret: serviceEnvelope,
		ClientPubkey:  clientPubkey,
		ClientSecret:  clientEnvelope,
		Metadata:      metadataJSON,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.Create(record).Error
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, nil, fmt.Errorf("ledger: %w", errs.ErrDuplicateKey)
		}
		return nil, nil, err
	}

	log.Infof("created sub-account %s (%s), service_pubkey=%s", record.ID, record.Label, record.ServicePubkey)

	return record, &SubAccountSecrets{
		ServiceSecretHex: hex.EncodeToString(serviceSecret),
		ClientSecretHex:  hex.EncodeToString(clientSecret),
	}, nil
}

func resolveSecret(secretHex string) ([]byte, error) {
	if secretHex == "" {
		return keys.GenerateSecret()
	}
	secret, err := keys.ParseSecretHex(secretHex)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w: %v", errs.ErrInvalidInput, err)
	}
	return secret, nil
}

// GetSubAccountByID returns the row for id, or ErrNotFound.
func (s *Store) GetSubAccountByID(id string) (*SubAccount, error) {
	var record SubAccount
	err := s.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if isNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetSubAccountByServicePubkey returns the row addressed by servicePubkey,
// or ErrNotFound.
func (s *Store) GetSubAccountByServicePubkey(servicePubkey string) (*SubAccount, error) {
	var record SubAccount
	err := s.db.Where("service_pubkey = ?", servicePubkey).First(&record).Error
	if err != nil {
		if isNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListSubAccounts returns every row ordered by creation time ascending.
func (s *Store) ListSubAccounts() ([]*SubAccount, error) {
	var records []*SubAccount
	if err := s.db.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// AdjustBalance atomically applies deltaMsats to a sub-account's balance,
// failing with ErrInsufficientBalance if the result would be negative
// (I-2). The lock+transaction pair is the store's serialization point for
// all balance-affecting work (§5).
func (s *Store) AdjustBalance(id string, deltaMsats int64) (*SubAccount, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var out SubAccount
	err := withRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var record SubAccount
			if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
				if isNotFound(err) {
					return errs.ErrUnknownSubAccount
				}
				return err
			}
			newBalance := record.BalanceMsats + deltaMsats
			if newBalance < 0 {
				return errs.ErrInsufficientBalance
			}
			record.BalanceMsats = newBalance
			record.UpdatedAt = time.Now().UTC()
			if err := tx.Save(&record).Error; err != nil {
				return err
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

// TouchSubAccountOpts controls which usage columns TouchSubAccount updates.
type TouchSubAccountOpts struct {
	IncrementUsage bool
	UpdateLastUsed bool
}

// TouchSubAccount updates the usage-tracking columns (§4.1).
func (s *Store) TouchSubAccount(id string, opts TouchSubAccountOpts) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if opts.IncrementUsage {
		updates["usage_count"] = gorm.Expr("usage_count + 1")
	}
	if opts.UpdateLastUsed {
		updates["last_used_at"] = time.Now().UTC()
	}
	result := s.db.Model(&SubAccount{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.ErrUnknownSubAccount
	}
	return nil
}

// DeleteSubAccount removes the sub-account and, transactionally, every
// PendingInvoice it owns (cascade delete per §3).
func (s *Store) DeleteSubAccount(id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sub_account_id = ?", id).Delete(&PendingInvoice{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&SubAccount{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errs.ErrUnknownSubAccount
		}
		return nil
	})
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
}
