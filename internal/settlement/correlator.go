// Package settlement implements the Settlement Correlator (C7): matching
// upstream payment notifications and lookup results against pending
// ledger entries and applying credits atomically (§4.7).
package settlement

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/errs"
	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/upstream"
)

// Notifier delivers a reconciled settlement back to the sub-wallet's
// Endpoint so it can relay a payment_received notification to the
// addressed client (§4.7 step 5). internal/registry.Registry satisfies
// this.
type Notifier interface {
	NotifyPaymentReceived(subAccountID string, note upstream.Notification)
}

// Correlator is C7.
type Correlator struct {
	store    *ledger.Store
	notifier Notifier
}

// New builds a Correlator over store, delivering post-commit
// notifications through notifier.
func New(store *ledger.Store, notifier Notifier) *Correlator {
	return &Correlator{store: store, notifier: notifier}
}

// Reconcile runs the full match/idempotence/commit/notify flow
// synchronously (§4.7 steps 2-5). Callers already running on their own
// task (the adapter's notification-stream loop) call this directly; callers inside a request handler must use ReconcileAsync
// instead (§5: "must never be invoked re-entrantly from within a
// handler").
func (c *Correlator) Reconcile(ctx context.Context, ev upstream.Notification) {
	match, err := c.store.FindPendingInvoice(ledger.FindPendingInvoiceCriteria{
		PaymentHash:     ev.PaymentHash,
		Invoice:         ev.Invoice,
		DescriptionHash: ev.DescriptionHash,
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Debugf("correlator: no pending invoice matches payment_hash=%s invoice=%s, ignoring", ev.PaymentHash, ev.Invoice)
			return
		}
		log.Errorf("correlator: lookup failed: %v", err)
		return
	}

	if match.State != ledger.InvoiceStatePending {
		log.Infof("correlator: invoice %s already %s, ignoring duplicate settlement", match.ID, match.State)
		return
	}

	credit := ev.AmountMsats
	if credit <= 0 {
		credit = match.AmountMsats
	}
	var settledAt *time.Time
	if ev.SettledAt != nil {
		t := time.Unix(*ev.SettledAt, 0).UTC()
		settledAt = &t
	}

	updated, err := c.store.UpdatePendingInvoiceState(match.ID, ledger.InvoiceStateSettled, settledAt, &credit)
	if err != nil {
		log.Errorf("correlator: settle %s failed: %v", match.ID, err)
		return
	}

	log.Infof("correlator: settled invoice %s for sub-account %s, credited %d msats", updated.ID, updated.SubAccountID, credit)
	c.notifier.NotifyPaymentReceived(updated.SubAccountID, ev)
}

// ReconcileAsync hands the reconcile flow off to a new task and returns
// immediately, satisfying the no-reentrancy contract when invoked from
// within a handler (the lookup_invoice handler's trigger (b), §4.7).
func (c *Correlator) ReconcileAsync(ev upstream.Notification) {
	go c.Reconcile(context.Background(), ev)
}
