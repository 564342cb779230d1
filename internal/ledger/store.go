// Package ledger implements the Ledger Store (C1): durable, transactional
// storage of sub-account records, encrypted secrets, balance/pending
// counters, and pending-invoice records. It is the sole source of truth
// for balances (§4.1).
package ledger

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nwcmux/walletmux/internal/vault"
)

// Store is the process-wide handle to the ledger database, mirroring the
// teacher's DatabaseManager: opened once at startup, threaded to every
// component that needs it.
type Store struct {
	db    *gorm.DB
	locks *keyedLocker
	vault *vault.Vault
}

// Open creates (or attaches to) the sqlite-backed ledger under dir/file and
// runs the schema migrations of §6.1. v encrypts and decrypts the
// ServiceSecret/ClientSecret columns per §4.2.
func Open(dir, file string, v *vault.Vault) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, file)
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SubAccount{}, &PendingInvoice{}); err != nil {
		return nil, err
	}
	log.Infof("ledger store opened at %s", path)
	return &Store{db: db, locks: newKeyedLocker(), vault: v}, nil
}

// withRetry retries fn up to three times with exponential backoff when the
// error looks like a transient serialization conflict (§7). Any other
// error is returned immediately without retry.
func withRetry(fn func() error) error {
	backoff := 10 * time.Millisecond
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || !isTransient(err) || retries == 3 {
			return err
		}
		time.Sleep(backoff + time.Duration(rand.Intn(5))*time.Millisecond)
		backoff *= 2
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		errors.Is(err, gorm.ErrInvalidTransaction)
}
