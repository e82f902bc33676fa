// Package transport provides the bidirectional ordered message channel
// between two peer identifiers. The sync protocol treats it as opaque:
// the in-memory hub backs the tests, the libp2p implementation backs
// real nodes.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIDTaken means the preferred peer id is already claimed by a
	// live endpoint.
	ErrIDTaken = errors.New("peer id already taken")

	// ErrConnectTimeout means the remote did not accept within the
	// connect budget.
	ErrConnectTimeout = errors.New("connection attempt timed out")

	// ErrClosed means the endpoint or channel has been shut down.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownPeer means the remote id could not be resolved to an
	// address.
	ErrUnknownPeer = errors.New("unknown peer id")
)

// Channel is one reliable ordered message pipe to a single remote
// peer. Delivery callbacks for one channel are never invoked
// concurrently, preserving per-channel ordering.
type Channel interface {
	// RemoteID is the peer id the other endpoint declared.
	RemoteID() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// Transport is one node's endpoint in the mesh.
type Transport interface {
	// Open claims an identity. An empty preferredID asks the transport
	// to pick one. Fails with ErrIDTaken when another live endpoint
	// holds the id.
	Open(ctx context.Context, preferredID string) (string, error)
	// ID returns the identity claimed by Open.
	ID() string
	// Connect dials a remote peer; the context bounds the attempt.
	Connect(ctx context.Context, remoteID string) (Channel, error)
	// OnIncoming registers the callback for channels opened by remote
	// peers. Must be set before Open so no early dial is dropped.
	OnIncoming(fn func(ch Channel))
	Close() error
}
