package peer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/board"
)

const (
	seenTTL          = 10 * time.Minute
	seenSweepPeriod  = 5 * time.Minute
	meshDialInterval = 200 * time.Millisecond
)

// DealResponseListener observes point-to-point deal notifications so
// the UI can surface them.
type DealResponseListener func(from, dealID string, accepted bool, note string)

// Engine is the replication layer between the peer registry and the
// board stores. It handles every protocol message type, pushes local
// state to newly connected peers, relays accepted broadcasts so gossip
// reaches peers the originator is not connected to, and implements
// board.Propagator for the stores to publish through.
type Engine struct {
	registry *Registry
	users    *board.UserStore
	listings *board.ListingStore
	deals    *board.DealStore

	seenMux sync.Mutex
	seen    map[string]time.Time

	responseMux sync.RWMutex
	onResponse  DealResponseListener

	done     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an engine over the given registry and stores. Call
// Start to register its handlers.
func NewEngine(registry *Registry, users *board.UserStore, listings *board.ListingStore, deals *board.DealStore) *Engine {
	return &Engine{
		registry: registry,
		users:    users,
		listings: listings,
		deals:    deals,
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// SetDealResponseListener registers the notification callback.
func (e *Engine) SetDealResponseListener(fn DealResponseListener) {
	e.responseMux.Lock()
	defer e.responseMux.Unlock()
	e.onResponse = fn
}

// Start registers the protocol handlers and the handshake trigger, and
// launches the dedup sweeper.
func (e *Engine) Start(router *Router) {
	router.Register(TypeHello, e.guard(e.handleHello))
	router.Register(TypeUserInfo, e.guard(e.handleUserInfo))
	router.Register(TypeListingBroadcast, e.guard(e.handleListingBroadcast))
	router.Register(TypeDealProposal, e.guard(e.handleDealProposal))
	router.Register(TypeDealResponse, e.guard(e.handleDealResponse))
	router.Register(TypeChatMessage, e.guard(e.handleChatMessage))
	router.Register(TypePeerList, e.guard(e.handlePeerList))

	e.registry.AddConnectionListener(func(peerID string, status ConnectionStatus) {
		if status == StatusConnected {
			go e.sendHello(peerID)
		}
	})

	go e.sweepSeen()
}

// Stop shuts down the background sweeper.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// guard drops duplicate and self-originated envelopes before they
// reach a handler. Duplicates are expected: relayed broadcasts arrive
// once per mesh path.
func (e *Engine) guard(h Handler) Handler {
	return func(env *Envelope) {
		if env.SenderID == e.registry.ID() {
			return
		}
		if !e.markSeen(env.MessageID) {
			return
		}
		h(env)
	}
}

func (e *Engine) markSeen(messageID string) bool {
	if messageID == "" {
		return true
	}
	e.seenMux.Lock()
	defer e.seenMux.Unlock()
	if _, dup := e.seen[messageID]; dup {
		return false
	}
	e.seen[messageID] = time.Now()
	return true
}

func (e *Engine) sweepSeen() {
	ticker := time.NewTicker(seenSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-seenTTL)
			e.seenMux.Lock()
			for id, at := range e.seen {
				if at.Before(cutoff) {
					delete(e.seen, id)
				}
			}
			e.seenMux.Unlock()
		}
	}
}

// sendHello opens the handshake with a freshly connected peer: our
// profile, then the state they are missing.
func (e *Engine) sendHello(peerID string) {
	profile := e.users.Current()
	if profile == nil {
		return
	}
	e.registry.SendTo(peerID, NewHello(e.registry.ID(), profile))
}

// handleHello completes the handshake: learn the remote user, then
// push them our listings, the deals they participate in, and the peers
// we know about.
func (e *Engine) handleHello(env *Envelope) {
	remote := env.UserData
	if remote == nil {
		log.Printf("Hello from %s carried no user data", env.SenderID)
		return
	}
	if err := e.users.AddOrUpdate(remote); err != nil {
		log.Printf("Failed to store user from hello: %v", err)
	}

	selfID := e.registry.ID()
	for _, l := range e.listings.Mine() {
		e.registry.SendTo(env.SenderID, NewListingBroadcast(selfID, l))
	}
	for _, d := range e.deals.ByUser(remote.ID) {
		e.registry.SendTo(env.SenderID, NewDealProposal(selfID, d))
	}

	var others []string
	for _, id := range e.registry.ConnectedPeers() {
		if id != env.SenderID {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		e.registry.SendTo(env.SenderID, NewPeerList(selfID, others))
	}
}

func (e *Engine) handleUserInfo(env *Envelope) {
	if env.User == nil {
		return
	}
	if err := e.users.AddOrUpdate(env.User); err != nil {
		log.Printf("Failed to store user info from %s: %v", env.SenderID, err)
	}
}

// handleListingBroadcast merges the listing and, when the merge
// accepted it, relays the envelope onward so the broadcast crosses the
// whole mesh.
func (e *Engine) handleListingBroadcast(env *Envelope) {
	accepted, err := e.listings.MergeExternal(env.Listing)
	if err != nil {
		log.Printf("Failed to merge listing from %s: %v", env.SenderID, err)
		return
	}
	if accepted {
		e.registry.Broadcast(env, env.SenderID)
	}
}

func (e *Engine) handleDealProposal(env *Envelope) {
	accepted, err := e.deals.MergeExternal(env.Deal)
	if err != nil {
		log.Printf("Failed to merge deal from %s: %v", env.SenderID, err)
		return
	}
	if accepted {
		e.registry.Broadcast(env, env.SenderID)
	}
}

// handleDealResponse surfaces the point-to-point notification. The
// deal record itself converges through the deal_proposal that the
// counterparty sends alongside.
func (e *Engine) handleDealResponse(env *Envelope) {
	accepted := env.Accepted != nil && *env.Accepted

	e.responseMux.RLock()
	fn := e.onResponse
	e.responseMux.RUnlock()
	if fn != nil {
		fn(env.SenderID, env.DealID, accepted, env.ResponseNote())
	}
}

func (e *Engine) handleChatMessage(env *Envelope) {
	msg, err := env.ChatMessage()
	if err != nil {
		log.Printf("Bad chat message from %s: %v", env.SenderID, err)
		return
	}
	if _, err := e.deals.MergeExternalMessage(msg); err != nil {
		log.Printf("Failed to store chat message from %s: %v", env.SenderID, err)
	}
}

// handlePeerList dials every peer we are not yet connected to. Dials
// are best-effort and staggered so a long peer list does not stampede.
func (e *Engine) handlePeerList(env *Envelope) {
	selfID := e.registry.ID()
	delay := time.Duration(0)
	for _, id := range env.Peers {
		if id == "" || id == selfID || id == env.SenderID || e.registry.IsConnected(id) {
			continue
		}
		target := id
		wait := delay
		delay += meshDialInterval
		go func() {
			select {
			case <-e.done:
				return
			case <-time.After(wait):
			}
			e.registry.Connect(context.Background(), target)
		}()
	}
}

// Engine satisfies board.Propagator so the stores publish through it.
var _ board.Propagator = (*Engine)(nil)

// BroadcastListing pushes a listing to every connected peer.
func (e *Engine) BroadcastListing(listing *board.Listing) {
	env := NewListingBroadcast(e.registry.ID(), listing)
	e.markSeen(env.MessageID)
	e.registry.Broadcast(env)
}

// BroadcastDeal pushes a deal record to every connected peer.
func (e *Engine) BroadcastDeal(deal *board.Deal) {
	env := NewDealProposal(e.registry.ID(), deal)
	e.markSeen(env.MessageID)
	e.registry.Broadcast(env)
}

// BroadcastUserInfo pushes the local profile to every connected peer.
func (e *Engine) BroadcastUserInfo(user *board.User) {
	env := NewUserInfo(e.registry.ID(), user)
	e.markSeen(env.MessageID)
	e.registry.Broadcast(env)
}

// SendDealProposal delivers a deal record to one peer.
func (e *Engine) SendDealProposal(peerID string, deal *board.Deal) bool {
	return e.registry.SendTo(peerID, NewDealProposal(e.registry.ID(), deal))
}

// SendDealResponse delivers a status notification to one peer.
func (e *Engine) SendDealResponse(peerID, dealID string, accepted bool, note string) bool {
	return e.registry.SendTo(peerID, NewDealResponse(e.registry.ID(), dealID, accepted, note))
}

// SendChatMessage delivers a chat message to one peer.
func (e *Engine) SendChatMessage(peerID string, msg *board.Message) bool {
	return e.registry.SendTo(peerID, NewChatMessage(e.registry.ID(), msg))
}
