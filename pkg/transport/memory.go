package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryNetwork is an in-process hub connecting MemoryTransport
// endpoints. It reproduces the semantics the protocol depends on:
// id-collision on open, ordered delivery per channel, and dial
// attempts to unknown peers hanging until the caller's deadline.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty hub.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// NewTransport creates an endpoint attached to this hub. Call Open on
// it to claim an identity.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	return &MemoryTransport{net: n}
}

// MemoryTransport is one endpoint on a MemoryNetwork.
type MemoryTransport struct {
	net      *MemoryNetwork
	mu       sync.Mutex
	id       string
	incoming func(Channel)
	closed   bool
}

func (t *MemoryTransport) Open(ctx context.Context, preferredID string) (string, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	id := preferredID
	if id == "" {
		id = "peer-" + randomHex(6)
	}
	if holder, taken := t.net.nodes[id]; taken && holder != t {
		return "", fmt.Errorf("open %q: %w", id, ErrIDTaken)
	}

	t.mu.Lock()
	// Re-opening under a new id releases the previous claim.
	if t.id != "" && t.id != id && t.net.nodes[t.id] == t {
		delete(t.net.nodes, t.id)
	}
	t.id = id
	t.closed = false
	t.mu.Unlock()

	t.net.nodes[id] = t
	return id, nil
}

func (t *MemoryTransport) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *MemoryTransport) OnIncoming(fn func(ch Channel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = fn
}

func (t *MemoryTransport) Connect(ctx context.Context, remoteID string) (Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	localID := t.id
	t.mu.Unlock()

	t.net.mu.Lock()
	target, ok := t.net.nodes[remoteID]
	t.net.mu.Unlock()
	if !ok {
		// An unreachable peer looks like a dial that never completes.
		<-ctx.Done()
		return nil, fmt.Errorf("connect to %q: %w", remoteID, ErrConnectTimeout)
	}

	target.mu.Lock()
	accept := target.incoming
	targetClosed := target.closed
	target.mu.Unlock()
	if targetClosed || accept == nil {
		<-ctx.Done()
		return nil, fmt.Errorf("connect to %q: %w", remoteID, ErrConnectTimeout)
	}

	local := &memChannel{remote: remoteID}
	remote := &memChannel{remote: localID}
	local.peer = remote
	remote.peer = local

	accept(remote)
	return local, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	id := t.id
	t.closed = true
	t.mu.Unlock()

	t.net.mu.Lock()
	if t.net.nodes[id] == t {
		delete(t.net.nodes, id)
	}
	t.net.mu.Unlock()
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// memChannel is one direction-pair endpoint. deliverMu serializes
// handler invocation so per-channel ordering holds even with
// concurrent senders.
type memChannel struct {
	remote string
	peer   *memChannel

	mu        sync.Mutex
	deliverMu sync.Mutex
	onMessage func([]byte)
	onClose   func()
	pending   [][]byte
	closed    bool
}

func (c *memChannel) RemoteID() string { return c.remote }

func (c *memChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	return c.peer.deliver(cp)
}

func (c *memChannel) deliver(data []byte) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	fn := c.onMessage
	if fn == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	fn(data)
	return nil
}

func (c *memChannel) OnMessage(fn func(data []byte)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.onMessage = fn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, data := range queued {
		fn(data)
	}
}

func (c *memChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *memChannel) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *memChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
