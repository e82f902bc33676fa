package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossroad-p2p/crossroad/pkg/transport"
)

func newTestRegistry(t *testing.T, net *transport.MemoryNetwork, id string) *Registry {
	r := NewRegistry(net.NewTransport(), NewRouter())
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	got, err := r.Initialize(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, got)
	return r
}

func TestInitializeRetriesWithSuffixOnCollision(t *testing.T) {
	net := transport.NewMemoryNetwork()
	newTestRegistry(t, net, "alice")

	second := NewRegistry(net.NewTransport(), NewRouter())
	defer second.Close()
	id, err := second.Initialize(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEqual(t, "alice", id)
	require.Contains(t, id, "alice-")
	require.Len(t, id, len("alice-")+4)
}

func TestConnectIsIdempotent(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	newTestRegistry(t, net, "bob")

	require.True(t, alice.Connect(context.Background(), "bob"))
	require.True(t, alice.Connect(context.Background(), "bob"), "second connect is a no-op")
	require.Equal(t, []string{"bob"}, alice.ConnectedPeers())
}

func TestConnectToSelfIsNoOp(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")

	require.True(t, alice.Connect(context.Background(), "alice"))
	require.Empty(t, alice.ConnectedPeers())
}

func TestConnectFailureNotifiesListeners(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")

	var mu sync.Mutex
	var statuses []ConnectionStatus
	alice.AddConnectionListener(func(peerID string, status ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.False(t, alice.Connect(ctx, "ghost"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnectionStatus{StatusConnecting, StatusError}, statuses)
}

func TestConnectNotifiesBothSides(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	bob := newTestRegistry(t, net, "bob")

	bobSaw := make(chan string, 1)
	bob.AddConnectionListener(func(peerID string, status ConnectionStatus) {
		if status == StatusConnected {
			bobSaw <- peerID
		}
	})

	require.True(t, alice.Connect(context.Background(), "bob"))

	select {
	case peerID := <-bobSaw:
		require.Equal(t, "alice", peerID)
	case <-time.After(time.Second):
		t.Fatal("bob never saw the connection")
	}
	require.True(t, bob.IsConnected("alice"))
}

func TestSendToAndDispatch(t *testing.T) {
	net := transport.NewMemoryNetwork()

	bobRouter := NewRouter()
	received := make(chan *Envelope, 1)
	bobRouter.Register(TypeUserInfo, func(env *Envelope) { received <- env })

	bob := NewRegistry(net.NewTransport(), bobRouter)
	defer bob.Close()
	_, err := bob.Initialize(context.Background(), "bob")
	require.NoError(t, err)

	alice := newTestRegistry(t, net, "alice")
	require.True(t, alice.Connect(context.Background(), "bob"))

	env := newEnvelope(TypeUserInfo, "alice")
	require.True(t, alice.SendTo("bob", env))

	select {
	case got := <-received:
		require.Equal(t, "alice", got.SenderID)
		require.Equal(t, env.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("bob never dispatched the envelope")
	}
}

func TestSendToUnconnectedPeer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	require.False(t, alice.SendTo("ghost", newEnvelope(TypeUserInfo, "alice")))
}

func TestBroadcastSkipsExcluded(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	newTestRegistry(t, net, "bob")
	newTestRegistry(t, net, "carol")

	require.True(t, alice.Connect(context.Background(), "bob"))
	require.True(t, alice.Connect(context.Background(), "carol"))

	require.Equal(t, 2, alice.Broadcast(newEnvelope(TypeUserInfo, "alice")))
	require.Equal(t, 1, alice.Broadcast(newEnvelope(TypeUserInfo, "alice"), "bob"))
}

func TestDisconnectNotifies(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	newTestRegistry(t, net, "bob")

	gone := make(chan string, 1)
	alice.AddConnectionListener(func(peerID string, status ConnectionStatus) {
		if status == StatusDisconnected {
			gone <- peerID
		}
	})

	require.True(t, alice.Connect(context.Background(), "bob"))
	alice.Disconnect("bob")

	select {
	case peerID := <-gone:
		require.Equal(t, "bob", peerID)
	case <-time.After(time.Second):
		t.Fatal("disconnect never observed")
	}
	require.False(t, alice.IsConnected("bob"))
}

// fullTransport refuses every identity claim with a collision.
type fullTransport struct{}

func (fullTransport) Open(ctx context.Context, preferredID string) (string, error) {
	return "", fmt.Errorf("open %q: %w", preferredID, transport.ErrIDTaken)
}
func (fullTransport) ID() string { return "" }
func (fullTransport) Connect(ctx context.Context, remoteID string) (transport.Channel, error) {
	return nil, transport.ErrConnectTimeout
}
func (fullTransport) OnIncoming(fn func(ch transport.Channel)) {}
func (fullTransport) Close() error                             { return nil }

func TestInitializeFailsWhenEveryIDTaken(t *testing.T) {
	r := NewRegistry(fullTransport{}, NewRouter())
	defer r.Close()

	_, err := r.Initialize(context.Background(), "alice")
	require.ErrorIs(t, err, ErrIdentityUnavailable)
	require.Empty(t, r.ID())
}

func TestSimultaneousDialsConvergeOnOnePair(t *testing.T) {
	net := transport.NewMemoryNetwork()

	aliceGot := make(chan *Envelope, 4)
	aliceRouter := NewRouter()
	aliceRouter.Register(TypeUserInfo, func(env *Envelope) { aliceGot <- env })
	alice := NewRegistry(net.NewTransport(), aliceRouter)
	defer alice.Close()
	_, err := alice.Initialize(context.Background(), "alice")
	require.NoError(t, err)

	bobGot := make(chan *Envelope, 4)
	bobRouter := NewRouter()
	bobRouter.Register(TypeUserInfo, func(env *Envelope) { bobGot <- env })
	bob := NewRegistry(net.NewTransport(), bobRouter)
	defer bob.Close()
	_, err = bob.Initialize(context.Background(), "bob")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); alice.Connect(context.Background(), "bob") }()
	go func() { defer wg.Done(); bob.Connect(context.Background(), "alice") }()
	wg.Wait()

	// Whatever the interleaving, both sides must settle on one usable
	// channel instead of each tearing the other's down.
	require.True(t, alice.IsConnected("bob"))
	require.True(t, bob.IsConnected("alice"))

	require.True(t, alice.SendTo("bob", newEnvelope(TypeUserInfo, "alice")))
	require.True(t, bob.SendTo("alice", newEnvelope(TypeUserInfo, "bob")))
	select {
	case <-bobGot:
	case <-time.After(time.Second):
		t.Fatal("bob never received over the surviving channel")
	}
	select {
	case <-aliceGot:
	case <-time.After(time.Second):
		t.Fatal("alice never received over the surviving channel")
	}
}

func TestDuplicateDialFromLowerIDReplaces(t *testing.T) {
	net := transport.NewMemoryNetwork()

	aliceTr := net.NewTransport()
	alice := NewRegistry(aliceTr, NewRouter())
	defer alice.Close()
	_, err := alice.Initialize(context.Background(), "alice")
	require.NoError(t, err)

	zed := newTestRegistry(t, net, "zed")
	require.True(t, zed.Connect(context.Background(), "alice"))

	// A second dial from alice reaches zed while zed already holds a
	// channel to her. Alice is the lower id, so her dial takes over.
	dup, err := aliceTr.Connect(context.Background(), "zed")
	require.NoError(t, err)
	received := make(chan []byte, 1)
	dup.OnMessage(func(data []byte) { received <- data })

	require.True(t, zed.IsConnected("alice"))
	require.True(t, zed.SendTo("alice", newEnvelope(TypeUserInfo, "zed")))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("zed kept the stale channel instead of the winning dial")
	}
}

func TestDuplicateDialFromHigherIDRejected(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")

	dropped := make(chan string, 1)
	alice.AddConnectionListener(func(peerID string, status ConnectionStatus) {
		if status == StatusDisconnected {
			dropped <- peerID
		}
	})

	zedTr := net.NewTransport()
	_, err := zedTr.Open(context.Background(), "zed")
	require.NoError(t, err)

	first, err := zedTr.Connect(context.Background(), "alice")
	require.NoError(t, err)

	// The duplicate comes from the higher id, so alice keeps the
	// channel she already has and closes the new one on arrival.
	second, err := zedTr.Connect(context.Background(), "alice")
	require.NoError(t, err)
	require.ErrorIs(t, second.Send([]byte("{}")), transport.ErrClosed)

	require.True(t, alice.IsConnected("zed"))
	require.NoError(t, first.Send([]byte("{}")), "established channel must survive the losing duplicate")
	select {
	case peerID := <-dropped:
		t.Fatalf("losing duplicate tore down the connection to %s", peerID)
	default:
	}
}

func TestResetIdentity(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestRegistry(t, net, "alice")
	newTestRegistry(t, net, "bob")
	require.True(t, alice.Connect(context.Background(), "bob"))

	newID, err := alice.ResetIdentity(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "alice", newID)
	require.Contains(t, newID, "crossroad-")
	require.Equal(t, newID, alice.ID())
	require.Empty(t, alice.ConnectedPeers())
}
