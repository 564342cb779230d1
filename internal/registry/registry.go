// Package registry implements the Sub-Wallet Registry (C3): the
// in-memory index from service_pubkey (and id) to live sub-wallet
// context, rebuilt from the Ledger Store on start and mutated on
// create/delete (§4.3).
package registry

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/relay"
	"github.com/nwcmux/walletmux/internal/upstream"
)

// Endpoint is the slice of the Sub-Wallet Service Endpoint (C5) the
// registry needs: something constructible per SubAccount and disposable
// on delete. internal/wallet.Endpoint satisfies this.
type Endpoint interface {
	Close()
	NotifyPaymentReceived(note upstream.Notification)
	HandleEvent(ctx context.Context, e relay.Event)
}

// EndpointFactory builds the live Endpoint for one SubAccount. Injected by
// the caller (cmd/walletmuxd) to avoid this package depending on
// internal/wallet's concrete dependencies (ledger, vault, upstream,
// relay).
type EndpointFactory func(acct *ledger.SubAccount) Endpoint

// Registry is the process-wide sub-wallet index.
type Registry struct {
	store   *ledger.Store
	factory EndpointFactory

	mu        sync.RWMutex
	byID      map[string]*entry
	byService map[string]*entry
	changes   chan struct{}
}

type entry struct {
	account  *ledger.SubAccount
	endpoint Endpoint
}

// Load rebuilds the registry from the store and eagerly constructs one
// Endpoint per live SubAccount (§4.3: "eagerly at startup").
func Load(store *ledger.Store, factory EndpointFactory) (*Registry, error) {
	accounts, err := store.ListSubAccounts()
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}

	r := &Registry{
		store:     store,
		factory:   factory,
		byID:      make(map[string]*entry),
		byService: make(map[string]*entry),
		changes:   make(chan struct{}, 1),
	}
	for _, acct := range accounts {
		e := &entry{account: acct, endpoint: factory(acct)}
		r.byID[acct.ID] = e
		r.byService[acct.ServicePubkey] = e
	}
	log.Infof("registry: loaded %d sub-wallet(s)", len(accounts))
	return r, nil
}

// ServicePubkeys returns the current addressable set, the reactive value
// the Router's subscription filter is built from.
func (r *Registry) ServicePubkeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byService))
	for k := range r.byService {
		keys = append(keys, k)
	}
	return keys
}

// Changes fires (best-effort, latest-wins) whenever the service_pubkey set
// changes, per the Router's KeySource contract.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// ByServicePubkey returns the live account and its Endpoint, constructing
// the Endpoint lazily if this is the first lookup since Add (§4.3:
// "lazily on first use").
func (r *Registry) ByServicePubkey(pubkey string) (*ledger.SubAccount, Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byService[pubkey]
	if !ok {
		return nil, nil, false
	}
	if e.endpoint == nil {
		e.endpoint = r.factory(e.account)
	}
	return e.account, e.endpoint, true
}

// ByID returns the live account by SubAccount id.
func (r *Registry) ByID(id string) (*ledger.SubAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.account, true
}

// Add registers a freshly created SubAccount and signals the key-set
// change.
func (r *Registry) Add(acct *ledger.SubAccount) {
	r.mu.Lock()
	e := &entry{account: acct, endpoint: r.factory(acct)}
	r.byID[acct.ID] = e
	r.byService[acct.ServicePubkey] = e
	r.mu.Unlock()
	r.notify()
}

// Remove drops a deleted SubAccount from the index, closing its Endpoint,
// and signals the key-set change.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byService, e.account.ServicePubkey)
	}
	r.mu.Unlock()
	if ok && e.endpoint != nil {
		e.endpoint.Close()
	}
	r.notify()
}

// NotifyPaymentReceived forwards a settled payment to the owning
// sub-wallet's Endpoint, satisfying settlement.Notifier (§4.7 step 5).
func (r *Registry) NotifyPaymentReceived(subAccountID string, note upstream.Notification) {
	r.mu.RLock()
	e, ok := r.byID[subAccountID]
	r.mu.RUnlock()
	if !ok {
		log.Warnf("registry: notify for unknown sub-account %s, dropping", subAccountID)
		return
	}
	e.endpoint.NotifyPaymentReceived(note)
}

// Dispatch looks up the Endpoint for servicePubkey and forwards the event
// to it. Used as the relay.Handler the Router invokes; unknown recipients
// are dropped (the Router already filters these, this is defense in
// depth).
func (r *Registry) Dispatch(ctx context.Context, servicePubkey string, e relay.Event) {
	_, endpoint, ok := r.ByServicePubkey(servicePubkey)
	if !ok {
		log.Warnf("registry: dispatch for unknown sub-wallet %s, dropping event %s", servicePubkey, e.ID)
		return
	}
	endpoint.HandleEvent(ctx, e)
}

// Snapshot returns every currently registered SubAccount.
func (r *Registry) Snapshot() []*ledger.SubAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ledger.SubAccount, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.account)
	}
	return out
}
