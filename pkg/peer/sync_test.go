package peer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossroad-p2p/crossroad/pkg/board"
	"github.com/crossroad-p2p/crossroad/pkg/store"
	"github.com/crossroad-p2p/crossroad/pkg/transport"
)

type testNode struct {
	users    *board.UserStore
	listings *board.ListingStore
	deals    *board.DealStore
	registry *Registry
	engine   *Engine
	profile  *board.User
}

func newTestNode(t *testing.T, net *transport.MemoryNetwork, id, name string) *testNode {
	records := store.NewMemoryStore()
	users := board.NewUserStore(records)
	listings := board.NewListingStore(records, users)
	deals := board.NewDealStore(records, users)

	profile, err := users.LoadProfile(name)
	require.NoError(t, err)

	router := NewRouter()
	registry := NewRegistry(net.NewTransport(), router)
	engine := NewEngine(registry, users, listings, deals)
	engine.Start(router)

	got, err := registry.Initialize(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.NoError(t, users.SetPeerID(got))
	profile.PeerID = got

	users.SetPropagator(engine)
	listings.SetPropagator(engine)
	deals.SetPropagator(engine)

	t.Cleanup(func() {
		engine.Stop()
		require.NoError(t, registry.Close())
	})
	return &testNode{
		users:    users,
		listings: listings,
		deals:    deals,
		registry: registry,
		engine:   engine,
		profile:  profile,
	}
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestHandshakeExchangesProfilesAndListings(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	posted, err := alice.listings.Create(board.NewListing{Title: "Red bike", Price: "50"})
	require.NoError(t, err)

	require.True(t, bob.registry.Connect(context.Background(), "alice"))

	require.Eventually(t, func() bool {
		_, ok := alice.users.GetByID(bob.profile.ID)
		return ok
	}, waitFor, tick, "alice never learned bob's profile")

	require.Eventually(t, func() bool {
		_, ok := bob.users.GetByID(alice.profile.ID)
		return ok
	}, waitFor, tick, "bob never learned alice's profile")

	require.Eventually(t, func() bool {
		l, ok := bob.listings.Get(posted.ID)
		return ok && l.Title == "Red bike"
	}, waitFor, tick, "bob never received alice's listing")
}

func TestListingBroadcastReachesConnectedPeers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	require.True(t, bob.registry.Connect(context.Background(), "alice"))

	l, err := alice.listings.Create(board.NewListing{Title: "Lamp", Category: board.CategoryGoods})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := bob.listings.Get(l.ID)
		return ok
	}, waitFor, tick)
}

func TestListingUpdateConverges(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	require.True(t, bob.registry.Connect(context.Background(), "alice"))

	l, err := alice.listings.Create(board.NewListing{Title: "Bike", Price: "50"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := bob.listings.Get(l.ID)
		return ok
	}, waitFor, tick)

	price := "40"
	updated, err := alice.listings.Update(l.ID, board.ListingUpdate{Price: &price})
	require.NoError(t, err)
	require.Greater(t, updated.UpdatedAt, int64(0))

	require.Eventually(t, func() bool {
		got, ok := bob.listings.Get(l.ID)
		return ok && got.Price == "40"
	}, waitFor, tick, "bob never converged on the updated price")

	// A replay of the stale version must not roll bob back.
	stale := *l
	accepted, err := bob.listings.MergeExternal(&stale)
	require.NoError(t, err)
	require.False(t, accepted)
	got, _ := bob.listings.Get(l.ID)
	require.Equal(t, "40", got.Price)
}

func TestGossipReachesIndirectPeers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")
	carol := newTestNode(t, net, "carol", "Carol")

	require.True(t, alice.registry.Connect(context.Background(), "bob"))
	require.True(t, carol.registry.Connect(context.Background(), "bob"))

	l, err := alice.listings.Create(board.NewListing{Title: "Piano"})
	require.NoError(t, err)

	// The relay hop sees it first.
	require.Eventually(t, func() bool {
		_, ok := bob.listings.Get(l.ID)
		return ok
	}, waitFor, tick, "listing never reached bob")

	// Carol is not connected to alice; the listing arrives through
	// bob's relay (or the mesh link the peer_list exchange builds).
	require.Eventually(t, func() bool {
		_, ok := carol.listings.Get(l.ID)
		return ok
	}, waitFor, tick, "listing never crossed the mesh to carol")
}

func TestPeerListBuildsMesh(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")
	carol := newTestNode(t, net, "carol", "Carol")

	require.True(t, alice.registry.Connect(context.Background(), "bob"))

	require.Eventually(t, func() bool {
		return bob.registry.IsConnected("alice")
	}, waitFor, tick)

	// Carol joins through bob; the peer list leads her to alice too.
	require.True(t, carol.registry.Connect(context.Background(), "bob"))

	require.Eventually(t, func() bool {
		return carol.registry.IsConnected("alice") || alice.registry.IsConnected("carol")
	}, waitFor, tick, "peer list exchange never linked carol and alice")
}

func TestDealFlowAcrossPeers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	listing, err := alice.listings.Create(board.NewListing{Title: "Couch", Price: "100"})
	require.NoError(t, err)

	require.True(t, bob.registry.Connect(context.Background(), "alice"))
	require.Eventually(t, func() bool {
		_, ok := bob.listings.Get(listing.ID)
		if !ok {
			return false
		}
		_, ok = bob.users.GetByID(alice.profile.ID)
		return ok
	}, waitFor, tick)

	notified := make(chan bool, 1)
	bob.engine.SetDealResponseListener(func(from, dealID string, accepted bool, note string) {
		notified <- accepted
	})

	deal, err := bob.deals.Create(listing.ID, alice.profile.ID, "pick up saturday")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := alice.deals.Get(deal.ID)
		return ok && got.Terms == "pick up saturday"
	}, waitFor, tick, "alice never received the proposal")

	_, err = alice.deals.UpdateStatus(deal.ID, board.DealAccepted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := bob.deals.Get(deal.ID)
		return ok && got.Status == board.DealAccepted
	}, waitFor, tick, "bob's copy never converged on accepted")

	select {
	case accepted := <-notified:
		require.True(t, accepted)
	case <-time.After(waitFor):
		t.Fatal("bob never got the acceptance notification")
	}
}

func TestChatMessagesReachCounterparty(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	listing, err := alice.listings.Create(board.NewListing{Title: "Desk"})
	require.NoError(t, err)

	require.True(t, bob.registry.Connect(context.Background(), "alice"))
	require.Eventually(t, func() bool {
		_, ok := bob.users.GetByID(alice.profile.ID)
		return ok
	}, waitFor, tick)

	deal, err := bob.deals.Create(listing.ID, alice.profile.ID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := alice.deals.Get(deal.ID)
		return ok
	}, waitFor, tick)

	_, err = bob.deals.AddMessage(deal.ID, "still available?", "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.deals.MessagesFor(deal.ID)
		return len(msgs) == 1 && msgs[0].Content == "still available?"
	}, waitFor, tick)

	_, err = bob.deals.AddOffer(deal.ID, "80", "my best offer", "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.deals.MessagesFor(deal.ID)
		if len(msgs) != 2 {
			return false
		}
		last := msgs[1]
		return last.IsOffer && last.OfferPrice == "80"
	}, waitFor, tick)
}

func TestDisconnectionKeepsReplicatedData(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	require.True(t, bob.registry.Connect(context.Background(), "alice"))

	l, err := alice.listings.Create(board.NewListing{Title: "Rug"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := bob.listings.Get(l.ID)
		return ok
	}, waitFor, tick)

	bob.registry.Disconnect("alice")
	require.Eventually(t, func() bool {
		return !bob.registry.IsConnected("alice")
	}, waitFor, tick)

	got, ok := bob.listings.Get(l.ID)
	require.True(t, ok, "replicated data must survive disconnection")
	require.Equal(t, "Rug", got.Title)
	_, ok = bob.users.GetByID(alice.profile.ID)
	require.True(t, ok)
}

func TestHelloPushesDealsForReturningPeer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestNode(t, net, "alice", "Alice")
	bob := newTestNode(t, net, "bob", "Bob")

	listing, err := alice.listings.Create(board.NewListing{Title: "Table"})
	require.NoError(t, err)

	require.True(t, bob.registry.Connect(context.Background(), "alice"))
	require.Eventually(t, func() bool {
		_, ok := bob.users.GetByID(alice.profile.ID)
		return ok
	}, waitFor, tick)

	deal, err := bob.deals.Create(listing.ID, alice.profile.ID, "tomorrow")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := alice.deals.Get(deal.ID)
		return ok
	}, waitFor, tick)

	// Bob drops off and comes back under a new peer id with empty
	// state except his profile. The handshake replays alice's listings
	// and the deals his stable user id participates in.
	bob.registry.Disconnect("alice")
	require.Eventually(t, func() bool {
		return !alice.registry.IsConnected("bob")
	}, waitFor, tick)

	records := store.NewMemoryStore()
	raw, err := json.Marshal(&board.User{ID: bob.profile.ID, Name: "Bob", CreatedAt: bob.profile.CreatedAt})
	require.NoError(t, err)
	require.NoError(t, records.Put(store.Users, "current-user", raw))

	users := board.NewUserStore(records)
	listings := board.NewListingStore(records, users)
	deals := board.NewDealStore(records, users)
	profile, err := users.LoadProfile("")
	require.NoError(t, err)
	require.Equal(t, bob.profile.ID, profile.ID)

	router := NewRouter()
	registry := NewRegistry(net.NewTransport(), router)
	engine := NewEngine(registry, users, listings, deals)
	engine.Start(router)
	_, err = registry.Initialize(context.Background(), "bob-2")
	require.NoError(t, err)
	require.NoError(t, users.SetPeerID("bob-2"))
	users.SetPropagator(engine)
	listings.SetPropagator(engine)
	deals.SetPropagator(engine)
	t.Cleanup(func() {
		engine.Stop()
		require.NoError(t, registry.Close())
	})

	require.True(t, registry.Connect(context.Background(), "alice"))

	require.Eventually(t, func() bool {
		_, ok := listings.Get(listing.ID)
		return ok
	}, waitFor, tick, "handshake never replayed alice's listing")

	require.Eventually(t, func() bool {
		got, ok := deals.Get(deal.ID)
		return ok && got.Terms == "tomorrow"
	}, waitFor, tick, "handshake never replayed the deal")
}
