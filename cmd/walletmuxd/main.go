package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/admin"
	"github.com/nwcmux/walletmux/internal/config"
	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/registry"
	"github.com/nwcmux/walletmux/internal/relay"
	"github.com/nwcmux/walletmux/internal/settlement"
	"github.com/nwcmux/walletmux/internal/sweeper"
	"github.com/nwcmux/walletmux/internal/upstream"
	"github.com/nwcmux/walletmux/internal/vault"
	"github.com/nwcmux/walletmux/internal/wallet"
)

// Application wires every component of the core (§2) into one process,
// mirroring the reference's constructed-context-object pattern (§9): no
// package-level mutable state beyond config.AppConfig, everything else
// threaded explicitly.
type Application struct {
	Store      *ledger.Store
	Vault      *vault.Vault
	Registry   *registry.Registry
	Transport  relay.Transport
	Router     *relay.Router
	Adapter    upstream.Adapter
	Correlator *settlement.Correlator
	Sweeper    *sweeper.Sweeper
	Admin      *admin.Server
}

// registryNotifier breaks the construction-order cycle between the
// Settlement Correlator (which needs a Notifier to deliver settlements)
// and the Registry (which needs the Correlator to build Endpoints): the
// Correlator is handed a stable pointer up front, and reg is filled in
// once the Registry finishes loading.
type registryNotifier struct {
	reg *registry.Registry
}

func (n *registryNotifier) NotifyPaymentReceived(subAccountID string, note upstream.Notification) {
	if n.reg == nil {
		log.Warnf("settlement notification for %s arrived before registry was ready, dropping", subAccountID)
		return
	}
	n.reg.NotifyPaymentReceived(subAccountID, note)
}

// deadEndpoint stands in for a SubAccount whose Endpoint failed to
// construct (corrupt stored key material); it logs and drops rather than
// panicking the whole process for one bad row.
type deadEndpoint struct{ subAccountID string }

func (d deadEndpoint) Close() {}
func (d deadEndpoint) NotifyPaymentReceived(upstream.Notification) {
	log.Errorf("sub-account %s has no live endpoint, dropping notification", d.subAccountID)
}
func (d deadEndpoint) HandleEvent(context.Context, relay.Event) {
	log.Errorf("sub-account %s has no live endpoint, dropping event", d.subAccountID)
}

func NewApplication() *Application {
	_ = godotenv.Load()
	config.InitConfig()

	v, err := vault.New(config.AppConfig.StorageMasterKey)
	if err != nil {
		log.Fatalf("failed to init credential vault: %v", err)
	}

	store, err := ledger.Open(config.AppConfig.DbDir, config.AppConfig.DbFile, v)
	if err != nil {
		log.Fatalf("failed to open ledger store: %v", err)
	}

	transport := relay.NewWebsocketTransport(config.AppConfig.RelayURLs)

	adapter := upstream.NewHTTPClient(config.AppConfig.UpstreamURI, config.AppConfig.UpstreamToken, upstream.Timeouts{
		Info:   config.AppConfig.UpstreamTimeoutInfo,
		Make:   config.AppConfig.UpstreamTimeoutMake,
		Lookup: config.AppConfig.UpstreamTimeoutLkup,
		Pay:    config.AppConfig.UpstreamTimeoutPay,
	})

	notifier := &registryNotifier{}
	correlator := settlement.New(store, notifier)

	factory := func(acct *ledger.SubAccount) registry.Endpoint {
		ep, err := wallet.New(acct, store, v, adapter, transport, correlator)
		if err != nil {
			log.Errorf("failed to construct endpoint for sub-account %s: %v", acct.ID, err)
			return deadEndpoint{subAccountID: acct.ID}
		}
		return ep
	}

	reg, err := registry.Load(store, factory)
	if err != nil {
		log.Fatalf("failed to load sub-wallet registry: %v", err)
	}
	notifier.reg = reg

	router := relay.New(transport, reg, reg.Dispatch, config.AppConfig.RouterMaxInFlight)

	sweep := sweeper.New(store, config.AppConfig.SweepInterval)

	var adminServer *admin.Server
	if config.AppConfig.AdminEnabled {
		adminServer = admin.New(store, reg, v, config.AppConfig.AdminJWTSecret)
	}

	return &Application{
		Store:      store,
		Vault:      v,
		Registry:   reg,
		Transport:  transport,
		Router:     router,
		Adapter:    adapter,
		Correlator: correlator,
		Sweeper:    sweep,
		Admin:      adminServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Router.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Sweeper.Run(ctx)
	}()

	if app.Adapter.SupportsNotifications() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.runNotificationLoop(ctx)
		}()
	}

	if app.Admin != nil {
		// Admin.Run does not watch ctx, so this goroutine is not joined
		// below; the listener ends with the process.
		go func() {
			addr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
			if err := app.Admin.Run(addr); err != nil {
				log.Errorf("admin façade stopped: %v", err)
			}
		}()
	}

	<-stop
	log.Info("receiving exit signal...")
	cancel()

	wg.Wait()
	log.Info("walletmuxd stopped")
}

// runNotificationLoop is the adapter notification-stream task of §4.7
// trigger (a): each incoming payment reconciles directly (this task is
// already independent of the Router, satisfying §5's re-entrancy rule).
func (app *Application) runNotificationLoop(ctx context.Context) {
	notifications, err := app.Adapter.Notifications(ctx)
	if err != nil {
		log.Errorf("failed to subscribe to upstream notifications: %v", err)
		return
	}
	for note := range notifications {
		if note.Type != "incoming" {
			continue
		}
		app.Correlator.Reconcile(ctx, note)
	}
}

func main() {
	app := NewApplication()
	app.Run()
}
