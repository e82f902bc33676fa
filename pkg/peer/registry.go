package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/board"
	"github.com/crossroad-p2p/crossroad/pkg/transport"
)

// ErrIdentityUnavailable means both the preferred peer id and the
// suffixed fallback were already claimed.
var ErrIdentityUnavailable = errors.New("peer identity unavailable")

// ConnectionStatus describes one phase of a peer connection's life.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionListener observes peer connection transitions.
type ConnectionListener func(peerID string, status ConnectionStatus)

const (
	connectTimeout = 15 * time.Second
	inboundBuffer  = 256
)

// Registry owns the node's identity and its set of live peer channels.
// All inbound envelopes, from every channel, funnel into one buffered
// queue drained by a single dispatch goroutine, so handlers never run
// concurrently with each other.
type Registry struct {
	transport transport.Transport
	router    *Router

	channelsMux sync.RWMutex
	channels    map[string]transport.Channel

	listenersMux sync.RWMutex
	listeners    []ConnectionListener

	inbound chan *Envelope
	done    chan struct{}

	mu     sync.Mutex
	id     string
	closed bool
}

// NewRegistry creates a registry over a transport endpoint. Call
// Initialize to claim an identity before anything else.
func NewRegistry(t transport.Transport, router *Router) *Registry {
	r := &Registry{
		transport: t,
		router:    router,
		channels:  make(map[string]transport.Channel),
		inbound:   make(chan *Envelope, inboundBuffer),
		done:      make(chan struct{}),
	}
	t.OnIncoming(r.accept)
	go r.dispatchLoop()
	return r
}

// Initialize claims the preferred peer id. On collision it retries
// once with a random suffix; a second collision is fatal.
func (r *Registry) Initialize(ctx context.Context, preferredID string) (string, error) {
	id, err := r.transport.Open(ctx, preferredID)
	if err == nil {
		r.setID(id)
		return id, nil
	}
	if !errors.Is(err, transport.ErrIDTaken) || preferredID == "" {
		return "", err
	}

	fallback := preferredID + "-" + board.RandomSuffix(4)
	log.Printf("Peer id %q is taken, retrying as %q", preferredID, fallback)
	id, err = r.transport.Open(ctx, fallback)
	if err != nil {
		if errors.Is(err, transport.ErrIDTaken) {
			return "", fmt.Errorf("open %q: %w", fallback, ErrIdentityUnavailable)
		}
		return "", err
	}
	r.setID(id)
	return id, nil
}

func (r *Registry) setID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

// ID returns the identity claimed by Initialize.
func (r *Registry) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// AddConnectionListener registers an observer for connection
// transitions. Listeners must not block.
func (r *Registry) AddConnectionListener(fn ConnectionListener) {
	r.listenersMux.Lock()
	defer r.listenersMux.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(peerID string, status ConnectionStatus) {
	r.listenersMux.RLock()
	observers := make([]ConnectionListener, len(r.listeners))
	copy(observers, r.listeners)
	r.listenersMux.RUnlock()
	for _, fn := range observers {
		fn(peerID, status)
	}
}

// Connect dials a remote peer. Connecting to ourselves or to an
// already connected peer is a successful no-op. Returns whether a
// usable channel exists when it returns.
func (r *Registry) Connect(ctx context.Context, targetID string) bool {
	if targetID == "" || targetID == r.ID() {
		return true
	}
	if r.IsConnected(targetID) {
		return true
	}

	r.notify(targetID, StatusConnecting)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	ch, err := r.transport.Connect(ctx, targetID)
	if err != nil {
		log.Printf("Failed to connect to %s: %v", targetID, err)
		r.notify(targetID, StatusError)
		return false
	}

	if !r.track(ch, true) {
		// Lost the duplicate-dial tiebreak; the surviving channel to
		// this peer is the one the other side opened.
		_ = ch.Close()
		return true
	}
	r.notify(targetID, StatusConnected)
	return true
}

// accept handles channels opened by remote peers.
func (r *Registry) accept(ch transport.Channel) {
	if !r.track(ch, false) {
		_ = ch.Close()
		return
	}
	r.notify(ch.RemoteID(), StatusConnected)
}

// track registers a channel and wires its callbacks. When both sides
// dial each other at once, each node ends up offered two channels to
// the same peer; the tiebreak is deterministic so both nodes keep the
// same pair: the dial initiated by the lower peer id wins, the other
// is closed. Returns false when the given channel is the losing
// duplicate.
func (r *Registry) track(ch transport.Channel, outbound bool) bool {
	remote := ch.RemoteID()

	r.channelsMux.Lock()
	prev, exists := r.channels[remote]
	if exists && !r.dialWins(remote, outbound) {
		r.channelsMux.Unlock()
		return false
	}
	r.channels[remote] = ch
	r.channelsMux.Unlock()

	if exists {
		_ = prev.Close()
	}

	ch.OnMessage(func(data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			log.Printf("Dropping malformed message from %s: %v", remote, err)
			return
		}
		select {
		case r.inbound <- env:
		case <-r.done:
		}
	})
	ch.OnClose(func() {
		r.channelsMux.Lock()
		removed := r.channels[remote] == ch
		if removed {
			delete(r.channels, remote)
		}
		r.channelsMux.Unlock()
		// A channel displaced by the tiebreak is not a disconnection.
		if removed {
			r.notify(remote, StatusDisconnected)
		}
	})
	return true
}

// dialWins reports whether a duplicate channel in the given direction
// is the canonical one for this peer pair.
func (r *Registry) dialWins(remote string, outbound bool) bool {
	if outbound {
		return r.ID() < remote
	}
	return remote < r.ID()
}

// dispatchLoop drains the inbound queue on a single goroutine.
func (r *Registry) dispatchLoop() {
	for {
		select {
		case env := <-r.inbound:
			r.router.Dispatch(env)
		case <-r.done:
			return
		}
	}
}

// IsConnected reports whether a live channel to the peer exists.
func (r *Registry) IsConnected(peerID string) bool {
	r.channelsMux.RLock()
	defer r.channelsMux.RUnlock()
	_, ok := r.channels[peerID]
	return ok
}

// ConnectedPeers returns the ids of all live channels.
func (r *Registry) ConnectedPeers() []string {
	r.channelsMux.RLock()
	defer r.channelsMux.RUnlock()
	peers := make([]string, 0, len(r.channels))
	for id := range r.channels {
		peers = append(peers, id)
	}
	return peers
}

// SendTo delivers one envelope to one connected peer. Returns false
// when no channel exists or the send fails.
func (r *Registry) SendTo(peerID string, env *Envelope) bool {
	r.channelsMux.RLock()
	ch, ok := r.channels[peerID]
	r.channelsMux.RUnlock()
	if !ok {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		log.Printf("Failed to encode %s envelope: %v", env.Type, err)
		return false
	}
	if err := ch.Send(data); err != nil {
		log.Printf("Failed to send %s to %s: %v", env.Type, peerID, err)
		return false
	}
	return true
}

// Broadcast delivers one envelope to every connected peer, skipping
// the optional excluded id. Returns the number of successful sends.
func (r *Registry) Broadcast(env *Envelope, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	sent := 0
	for _, peerID := range r.ConnectedPeers() {
		if skip[peerID] {
			continue
		}
		if r.SendTo(peerID, env) {
			sent++
		}
	}
	return sent
}

// Disconnect closes the channel to one peer, if any.
func (r *Registry) Disconnect(peerID string) {
	r.channelsMux.RLock()
	ch, ok := r.channels[peerID]
	r.channelsMux.RUnlock()
	if ok {
		_ = ch.Close()
	}
}

// ResetIdentity drops every connection and claims a fresh random
// identity on the same transport.
func (r *Registry) ResetIdentity(ctx context.Context) (string, error) {
	for _, peerID := range r.ConnectedPeers() {
		r.Disconnect(peerID)
	}

	newID := "crossroad-" + board.RandomSuffix(10)
	id, err := r.transport.Open(ctx, newID)
	if err != nil {
		return "", fmt.Errorf("failed to claim new identity: %w", err)
	}
	r.setID(id)
	return id, nil
}

// Close shuts down the dispatch loop, all channels, and the transport.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	for _, peerID := range r.ConnectedPeers() {
		r.Disconnect(peerID)
	}
	return r.transport.Close()
}
