// Package sweeper implements the Expiry Sweeper (C8): a periodic task
// that transitions pending invoices past their expiry into `expired`
// (§4.8).
package sweeper

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/ledger"
)

// Sweeper is C8.
type Sweeper struct {
	store    *ledger.Store
	interval time.Duration
}

// New builds a Sweeper that calls prune_expired every interval.
func New(store *ledger.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps once immediately (the crash-recovery "prune_expired(now)
// runs once" step of §7) and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	expired, err := s.store.PruneExpired(time.Now().UTC().Unix())
	if err != nil {
		log.Errorf("sweeper: prune_expired failed: %v", err)
		return
	}
	if len(expired) > 0 {
		log.Infof("sweeper: expired %d pending invoice(s)", len(expired))
	}
}
