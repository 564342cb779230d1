// Package wallet implements the Sub-Wallet Service Endpoint (C5): per
// sub-wallet request authentication, dispatch to the handler set, and
// response publication (§4.5).
package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/errs"
	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/relay"
	"github.com/nwcmux/walletmux/internal/upstream"
	"github.com/nwcmux/walletmux/internal/vault"
)

// RequestEnvelope is the decrypted content of an inbound wallet-request
// event: a method name and its loosely-typed parameters (§9 "dynamic
// typing at protocol edges").
type RequestEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseEnvelope is the plaintext this endpoint encrypts and publishes
// back to the client.
type ResponseEnvelope struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wallet-protocol error shape surfaced to clients for
// handler-level failures (§4.5, §7).
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reconciler is the slice of the Settlement Correlator the lookup_invoice
// handler needs: a non-blocking hand-off so settlement never runs
// re-entrantly inside a handler (§5). internal/settlement.Correlator
// satisfies this.
type Reconciler interface {
	ReconcileAsync(ev upstream.Notification)
}

// Endpoint is C5, one per live SubAccount.
type Endpoint struct {
	subAccountID  string
	servicePubkey string
	servicePriv   *btcec.PrivateKey
	clientPub     *btcec.PublicKey

	store      *ledger.Store
	adapter    upstream.Adapter
	publisher  relay.Publisher
	reconciler Reconciler

	mu     sync.Mutex
	closed bool
}

// New constructs the Endpoint for acct, decrypting its service/client
// secrets once via v and caching the derived key material for the
// lifetime of the Endpoint.
func New(acct *ledger.SubAccount, store *ledger.Store, v *vault.Vault, adapter upstream.Adapter, publisher relay.Publisher, reconciler Reconciler) (*Endpoint, error) {
	serviceSecret, err := v.Decrypt(acct.ServiceSecret)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt service_secret for %s: %w", acct.ID, err)
	}
	servicePriv, _ := btcec.PrivKeyFromBytes(serviceSecret)

	clientPubBytes, err := hex.DecodeString(acct.ClientPubkey)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w: client_pubkey: %v", errs.ErrInvalidInput, err)
	}
	clientPub, err := btcec.ParsePubKey(clientPubBytes)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w: client_pubkey: %v", errs.ErrInvalidInput, err)
	}

	return &Endpoint{
		subAccountID:  acct.ID,
		servicePubkey: acct.ServicePubkey,
		servicePriv:   servicePriv,
		clientPub:     clientPub,
		store:         store,
		adapter:       adapter,
		publisher:     publisher,
		reconciler:    reconciler,
	}, nil
}

// Close scrubs the cached service secret. Safe to call more than once.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.servicePriv.Zero()
}

// HandleEvent authenticates, decrypts, dispatches, and responds to one
// inbound request event (§4.5). It never returns an error: a decryption
// or auth failure is an infrastructure error and is dropped with a log
// entry (§4.5 failure mapping); a handler error becomes a protocol error
// response.
func (e *Endpoint) HandleEvent(ctx context.Context, ev relay.Event) {
	if ev.PubkeyFrom != hex.EncodeToString(e.clientPub.SerializeCompressed()) {
		log.Warnf("wallet: event %s claims sender %s, expected the authorized client; dropping", ev.ID, ev.PubkeyFrom)
		return
	}

	ciphertext, err := hex.DecodeString(ev.Content)
	if err != nil {
		log.Warnf("wallet: event %s content is not hex; dropping", ev.ID)
		return
	}
	plaintext, err := openFrom(e.servicePriv, e.clientPub, ciphertext)
	if err != nil {
		log.Warnf("wallet: event %s failed to decrypt/authenticate: %v; dropping", ev.ID, err)
		return
	}

	var req RequestEnvelope
	if err := json.Unmarshal(plaintext, &req); err != nil {
		log.Warnf("wallet: event %s decrypted but malformed request; dropping", ev.ID)
		return
	}

	resp := e.dispatch(ctx, req)
	e.respond(ctx, ev, resp)

	opts := ledger.TouchSubAccountOpts{IncrementUsage: true, UpdateLastUsed: true}
	if err := e.store.TouchSubAccount(e.subAccountID, opts); err != nil {
		log.Warnf("wallet: touch_sub_account %s failed: %v", e.subAccountID, err)
	}
}

func (e *Endpoint) respond(ctx context.Context, req relay.Event, resp ResponseEnvelope) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("wallet: marshal response for %s failed: %v", e.subAccountID, err)
		return
	}
	sealed, err := sealFor(e.servicePriv, e.clientPub, plaintext)
	if err != nil {
		log.Errorf("wallet: seal response for %s failed: %v", e.subAccountID, err)
		return
	}

	out := relay.Event{
		Kind:       relay.KindWalletResponse,
		PubkeyFrom: e.servicePubkey,
		CreatedAt:  time.Now().Unix(),
		Content:    hex.EncodeToString(sealed),
	}.WithRecipient(req.PubkeyFrom)

	if err := e.publisher.Publish(ctx, out); err != nil {
		log.Errorf("wallet: publish response for %s failed: %v", e.subAccountID, err)
	}
}

// NotifyPaymentReceived relays a settled payment to this sub-wallet's
// client as an unsolicited notification event (§4.7 step 5).
func (e *Endpoint) NotifyPaymentReceived(note upstream.Notification) {
	plaintext, err := json.Marshal(ResponseEnvelope{
		ResultType: "payment_received",
		Result:     mustMarshal(note),
	})
	if err != nil {
		log.Errorf("wallet: marshal notification for %s failed: %v", e.subAccountID, err)
		return
	}
	sealed, err := sealFor(e.servicePriv, e.clientPub, plaintext)
	if err != nil {
		log.Errorf("wallet: seal notification for %s failed: %v", e.subAccountID, err)
		return
	}
	out := relay.Event{
		Kind:       relay.KindWalletNotify,
		PubkeyFrom: e.servicePubkey,
		CreatedAt:  time.Now().Unix(),
		Content:    hex.EncodeToString(sealed),
	}.WithRecipient(hex.EncodeToString(e.clientPub.SerializeCompressed()))

	if err := e.publisher.Publish(context.Background(), out); err != nil {
		log.Errorf("wallet: publish notification for %s failed: %v", e.subAccountID, err)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
