package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/upstream"
	"github.com/nwcmux/walletmux/internal/vault"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []upstream.Notification
}

func (r *recordingNotifier) NotifyPaymentReceived(subAccountID string, note upstream.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, note)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	v, err := vault.New("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	store, err := ledger.Open(t.TempDir(), "ledger.db", v)
	require.NoError(t, err)
	return store
}

func TestReconcileCreditsBalanceAndNotifiesOnce(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	_, err = store.RegisterPendingInvoice(ledger.RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 100_000,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	c := New(store, notifier)

	c.Reconcile(context.Background(), upstream.Notification{
		Type: "incoming", PaymentHash: "hash1", AmountMsats: 100_000,
	})

	reloaded, err := store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), reloaded.BalanceMsats)
	assert.Equal(t, int64(0), reloaded.PendingMsats)
	assert.Equal(t, 1, notifier.count())

	// P3: a duplicate settlement notification must not double-credit.
	c.Reconcile(context.Background(), upstream.Notification{
		Type: "incoming", PaymentHash: "hash1", AmountMsats: 100_000,
	})

	reloaded, err = store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), reloaded.BalanceMsats)
	assert.Equal(t, 1, notifier.count())
}

func TestReconcileIgnoresUnmatchedNotification(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	c := New(store, notifier)

	c.Reconcile(context.Background(), upstream.Notification{
		Type: "incoming", PaymentHash: "no-such-hash", AmountMsats: 1000,
	})

	assert.Equal(t, 0, notifier.count())
}

func TestReconcileAsyncReturnsImmediately(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(ledger.CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)
	_, err = store.RegisterPendingInvoice(ledger.RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash2", AmountMsats: 5_000,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	c := New(store, notifier)

	c.ReconcileAsync(upstream.Notification{Type: "incoming", PaymentHash: "hash2", AmountMsats: 5_000})

	require.Eventually(t, func() bool {
		return notifier.count() == 1
	}, time.Second, 5*time.Millisecond)
}
