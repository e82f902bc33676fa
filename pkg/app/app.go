// Package app wires the record store, board stores, transport, and
// sync engine into one runnable node.
package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/board"
	"github.com/crossroad-p2p/crossroad/pkg/config"
	"github.com/crossroad-p2p/crossroad/pkg/peer"
	"github.com/crossroad-p2p/crossroad/pkg/store"
	"github.com/crossroad-p2p/crossroad/pkg/transport"
)

// expireCheckInterval is how often the node sweeps its own listings
// for expiry.
const expireCheckInterval = time.Hour

// App is one running node: local state, identity, and the mesh.
type App struct {
	cfg *config.Config

	Records  store.RecordStore
	Users    *board.UserStore
	Listings *board.ListingStore
	Deals    *board.DealStore
	Router   *peer.Router
	Registry *peer.Registry
	Engine   *peer.Engine

	done      chan struct{}
	closeOnce sync.Once
}

// New assembles a node over the given transport endpoint. Tests pass a
// memory transport; cmd passes the libp2p one.
func New(cfg *config.Config, tr transport.Transport) (*App, error) {
	records, err := openRecords(cfg)
	if err != nil {
		return nil, err
	}

	users := board.NewUserStore(records)
	listings := board.NewListingStore(records, users)
	deals := board.NewDealStore(records, users)

	router := peer.NewRouter()
	registry := peer.NewRegistry(tr, router)
	engine := peer.NewEngine(registry, users, listings, deals)

	return &App{
		cfg:      cfg,
		Records:  records,
		Users:    users,
		Listings: listings,
		Deals:    deals,
		Router:   router,
		Registry: registry,
		Engine:   engine,
		done:     make(chan struct{}),
	}, nil
}

func openRecords(cfg *config.Config) (store.RecordStore, error) {
	if cfg.Node.DataDir == "" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenPebble(filepath.Join(cfg.Node.DataDir, "records"))
}

// Start loads persisted state, claims the peer identity, and brings
// the sync engine online.
func (a *App) Start(ctx context.Context) error {
	profile, err := a.Users.LoadProfile(a.cfg.Node.Name)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if err := a.Listings.Load(); err != nil {
		return err
	}
	if err := a.Deals.Load(); err != nil {
		return err
	}

	preferred := a.cfg.Node.PeerID
	if preferred == "" {
		preferred = profile.PeerID
	}
	if preferred == "" {
		preferred = "crossroad-" + board.RandomSuffix(10)
	}

	a.Engine.Start(a.Router)

	id, err := a.Registry.Initialize(ctx, preferred)
	if err != nil {
		return fmt.Errorf("failed to claim peer identity: %w", err)
	}
	if err := a.Users.SetPeerID(id); err != nil {
		return err
	}

	// The stores publish through the engine from here on.
	a.Users.SetPropagator(a.Engine)
	a.Listings.SetPropagator(a.Engine)
	a.Deals.SetPropagator(a.Engine)

	go a.expireLoop()
	return nil
}

// ResetIdentity claims a fresh random peer id and rebinds the profile
// to it.
func (a *App) ResetIdentity(ctx context.Context) (string, error) {
	id, err := a.Registry.ResetIdentity(ctx)
	if err != nil {
		return "", err
	}
	if err := a.Users.SetPeerID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (a *App) expireLoop() {
	if expired := a.Listings.ExpireStale(); len(expired) > 0 {
		log.Printf("Expired %d stale listings", len(expired))
	}
	ticker := time.NewTicker(expireCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if expired := a.Listings.ExpireStale(); len(expired) > 0 {
				log.Printf("Expired %d stale listings", len(expired))
			}
		}
	}
}

// connectTimeout is the configured per-dial budget.
func (a *App) connectTimeout() time.Duration {
	if a.cfg.Network.ConnectTimeoutSeconds > 0 {
		return time.Duration(a.cfg.Network.ConnectTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// CounterpartyPeer resolves the peer id of the other party on a deal,
// or "" when they are unknown or offline-only.
func (a *App) CounterpartyPeer(d *board.Deal) string {
	me := a.Users.Current()
	if me == nil {
		return ""
	}
	otherID := d.RecipientID
	if me.ID == d.RecipientID {
		otherID = d.InitiatorID
	}
	if other, ok := a.Users.GetByID(otherID); ok {
		return other.PeerID
	}
	return ""
}

// Close shuts everything down; safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.Engine.Stop()
		if cerr := a.Registry.Close(); cerr != nil {
			err = cerr
		}
		if cerr := a.Records.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
