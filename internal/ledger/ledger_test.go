package ledger

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwcmux/walletmux/internal/errs"
	"github.com/nwcmux/walletmux/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := vault.New("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	store, err := Open(t.TempDir(), "ledger.db", v)
	require.NoError(t, err)
	return store
}

func TestCreateSubAccountGeneratesUniqueKeys(t *testing.T) {
	store := newTestStore(t)

	acct1, secrets1, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, acct1.ServicePubkey)
	assert.NotEmpty(t, secrets1.ServiceSecretHex)

	acct2, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "bob"})
	require.NoError(t, err)
	assert.NotEqual(t, acct1.ServicePubkey, acct2.ServicePubkey)
	assert.NotEqual(t, acct1.ClientPubkey, acct2.ClientPubkey)
}

func TestCreateSubAccountDuplicateSecretRejected(t *testing.T) {
	store := newTestStore(t)

	secretHex := strings.Repeat("01", 32)
	_, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice", ServiceSecretHex: secretHex})
	require.NoError(t, err)

	_, _, err = store.CreateSubAccount(CreateSubAccountInput{Label: "eve", ServiceSecretHex: secretHex})
	assert.ErrorIs(t, err, errs.ErrDuplicateKey)
}

func TestAdjustBalanceRejectsNegative(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	_, err = store.AdjustBalance(acct.ID, -1000)
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	updated, err := store.AdjustBalance(acct.ID, 500_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), updated.BalanceMsats)

	updated, err = store.AdjustBalance(acct.ID, -500_000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.BalanceMsats)
}

func TestRegisterPendingInvoiceRefreshesAggregate(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	inv1, err := store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 500_000,
	})
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatePending, inv1.State)

	inv2, err := store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash2", AmountMsats: 200_000,
	})
	require.NoError(t, err)

	reloaded, err := store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700_000), reloaded.PendingMsats)

	// I-1: settling one invoice removes only its share.
	_, err = store.UpdatePendingInvoiceState(inv1.ID, InvoiceStateSettled, nil, nil)
	require.NoError(t, err)

	reloaded, err = store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), reloaded.PendingMsats)
	assert.Equal(t, int64(500_000), reloaded.BalanceMsats)

	_ = inv2
}

func TestUpdatePendingInvoiceStateRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	inv, err := store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 1000,
	})
	require.NoError(t, err)

	_, err = store.UpdatePendingInvoiceState(inv.ID, InvoiceStateSettled, nil, nil)
	require.NoError(t, err)

	_, err = store.UpdatePendingInvoiceState(inv.ID, InvoiceStateFailed, nil, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

// TestUpdatePendingInvoiceStateSettlementIsIdempotentUnderRace drives two
// concurrent callers racing to settle the same invoice, standing in for the
// notification stream's Reconcile racing the lookup_invoice handler's
// ReconcileAsync on the same payment_hash (I-3, P3): exactly one must
// observe the `pending -> settled` transition and credit the balance,
// regardless of which reads the row first.
func TestUpdatePendingInvoiceStateSettlementIsIdempotentUnderRace(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	inv, err := store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 500_000,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.UpdatePendingInvoiceState(inv.ID, InvoiceStateSettled, nil, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, errs.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, successes, "exactly one racer should win the pending->settled transition")

	reloaded, err := store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), reloaded.BalanceMsats, "the balance must be credited exactly once")
	assert.Equal(t, int64(0), reloaded.PendingMsats)
}

func TestFindPendingInvoicePreferenceOrder(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	_, err = store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash-a", Invoice: "lnbc-a", AmountMsats: 1000,
	})
	require.NoError(t, err)

	found, err := store.FindPendingInvoice(FindPendingInvoiceCriteria{PaymentHash: "hash-a", Invoice: "lnbc-b"})
	require.NoError(t, err)
	assert.Equal(t, "hash-a", found.PaymentHash)
}

func TestPruneExpiredIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	expiry := time.Now().Add(-time.Second).Unix()
	inv, err := store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 200_000, ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	expired, err := store.PruneExpired(time.Now().Unix())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, inv.ID, expired[0].ID)

	reloaded, err := store.GetSubAccountByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reloaded.PendingMsats)
	assert.Equal(t, int64(0), reloaded.BalanceMsats)

	expiredAgain, err := store.PruneExpired(time.Now().Unix())
	require.NoError(t, err)
	assert.Len(t, expiredAgain, 0)
}

func TestDeleteSubAccountCascades(t *testing.T) {
	store := newTestStore(t)
	acct, _, err := store.CreateSubAccount(CreateSubAccountInput{Label: "alice"})
	require.NoError(t, err)

	_, err = store.RegisterPendingInvoice(RegisterPendingInvoiceParams{
		SubAccountID: acct.ID, PaymentHash: "hash1", AmountMsats: 1000,
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSubAccount(acct.ID))

	_, err = store.GetSubAccountByID(acct.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	pending, err := store.ListPendingInvoices(acct.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}
