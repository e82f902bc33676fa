package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
)

const (
	// SyncProtocol carries the JSON envelope frames between peers.
	SyncProtocol = protocol.ID("/crossroad/sync/1.0.0")

	// presenceTopic is the gossipsub topic where nodes announce the
	// mapping from their self-asserted board id to their libp2p
	// address. It replaces the broker server of the original design.
	presenceTopic = "crossroad-presence"

	// peerNamespace prefixes the DHT rendezvous key for one board id.
	peerNamespace = "crossroad-peer"

	// mdnsService names the LAN discovery service.
	mdnsService = "crossroad-board"

	announceInterval = 30 * time.Second
	claimWait        = 2 * time.Second
)

// P2PConfig configures the libp2p transport.
type P2PConfig struct {
	Port      int
	DataDir   string
	Bootstrap []string // multiaddrs of known nodes
}

// presenceRecord is gossiped on the presence topic.
type presenceRecord struct {
	Name      string   `json:"name"`
	Peer      string   `json:"peer"`
	Addrs     []string `json:"addrs"`
	Timestamp int64    `json:"timestamp"`
}

// P2PTransport implements Transport on a libp2p host. Board ids are
// self-asserted names resolved to libp2p peers through gossiped
// presence records, with a DHT rendezvous fallback per name.
type P2PTransport struct {
	cfg    P2PConfig
	ctx    context.Context
	cancel context.CancelFunc

	host  host.Host
	dht   *dht.IpfsDHT
	topic *pubsub.Topic
	mdns  mdns.Service

	mu        sync.RWMutex
	id        string
	directory map[string]peer.AddrInfo // board id -> libp2p peer
	incoming  func(Channel)
	closed    bool
}

// NewP2PTransport creates an unopened libp2p transport.
func NewP2PTransport(cfg P2PConfig) *P2PTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &P2PTransport{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		directory: make(map[string]peer.AddrInfo),
	}
}

func (t *P2PTransport) OnIncoming(fn func(ch Channel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = fn
}

func (t *P2PTransport) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Open builds the host on first use, then claims the preferred board
// id. Re-opening with a new id keeps the host and re-announces.
func (t *P2PTransport) Open(ctx context.Context, preferredID string) (string, error) {
	if err := t.ensureHost(); err != nil {
		return "", err
	}

	if preferredID == "" {
		preferredID = "peer-" + randomHex(4)
	}

	// Give gossip a moment to surface an existing claim on the name.
	deadline := time.Now().Add(claimWait)
	for time.Now().Before(deadline) {
		t.mu.RLock()
		claim, claimed := t.directory[preferredID]
		t.mu.RUnlock()
		if claimed && claim.ID != t.host.ID() {
			return "", fmt.Errorf("open %q: %w", preferredID, ErrIDTaken)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	t.mu.Lock()
	t.id = preferredID
	t.mu.Unlock()

	t.announce()
	routingDiscovery := routingdisc.NewRoutingDiscovery(t.dht)
	go util.Advertise(t.ctx, routingDiscovery, peerNamespace+"-"+preferredID)

	fmt.Printf("✅ Crossroad peer id: %s (host %s)\n", preferredID, t.host.ID().String())
	return preferredID, nil
}

// ensureHost builds the libp2p host, DHT, presence topic, and mdns
// service once.
func (t *P2PTransport) ensureHost() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host != nil {
		return nil
	}

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return err
	}

	privKey, err := loadIdentity(t.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load or generate identity: %w", err)
	}

	var idht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", t.cfg.Port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", t.cfg.Port+1),
		),
		libp2p.Identity(privKey),
		libp2p.ConnectionManager(cm),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(t.ctx, h, dht.Mode(dht.ModeServer))
			return idht, err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	t.host = h
	t.dht = idht

	h.SetStreamHandler(SyncProtocol, t.handleSyncStream)

	ps, err := pubsub.NewGossipSub(t.ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	topic, err := ps.Join(presenceTopic)
	if err != nil {
		return fmt.Errorf("failed to join presence topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence topic: %w", err)
	}
	t.topic = topic
	go t.watchPresence(sub)
	go t.reannounce()

	t.mdns = mdns.NewMdnsService(h, mdnsService, &mdnsNotifee{t: t})
	if err := t.mdns.Start(); err != nil {
		log.Printf("⚠️ mDNS discovery unavailable: %v", err)
	}

	for _, addrStr := range t.cfg.Bootstrap {
		if err := t.connectToAddr(addrStr); err != nil {
			log.Printf("⚠️ Bootstrap connect failed for %s: %v", addrStr, err)
		}
	}
	if err := t.dht.Bootstrap(t.ctx); err != nil {
		log.Printf("⚠️ DHT bootstrap warning: %v", err)
	}
	return nil
}

// connectToAddr connects the host to a peer given its multiaddress.
func (t *P2PTransport) connectToAddr(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return err
	}
	ai, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()
	return t.host.Connect(ctx, *ai)
}

// announce publishes our presence record.
func (t *P2PTransport) announce() {
	t.mu.RLock()
	name := t.id
	t.mu.RUnlock()
	if name == "" {
		return
	}
	var addrs []string
	for _, a := range t.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	rec := presenceRecord{
		Name:      name,
		Peer:      t.host.ID().String(),
		Addrs:     addrs,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := t.topic.Publish(t.ctx, data); err != nil {
		log.Printf("⚠️ Failed to publish presence: %v", err)
	}
}

func (t *P2PTransport) reannounce() {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.announce()
		}
	}
}

// watchPresence maintains the board-id directory from gossip.
func (t *P2PTransport) watchPresence(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(t.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == t.host.ID() {
			continue
		}
		var rec presenceRecord
		if err := json.Unmarshal(msg.GetData(), &rec); err != nil {
			continue
		}
		pid, err := peer.Decode(rec.Peer)
		if err != nil {
			continue
		}
		var addrs []multiaddr.Multiaddr
		for _, s := range rec.Addrs {
			if a, err := multiaddr.NewMultiaddr(s); err == nil {
				addrs = append(addrs, a)
			}
		}
		t.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)

		t.mu.Lock()
		t.directory[rec.Name] = peer.AddrInfo{ID: pid, Addrs: addrs}
		self := t.id
		t.mu.Unlock()

		if rec.Name == self && pid != t.host.ID() {
			log.Printf("⚠️ Peer %s is claiming our id %q", pid, self)
		}
	}
}

// Connect resolves a board id to a libp2p peer and opens a sync
// stream. The context bounds the whole attempt.
func (t *P2PTransport) Connect(ctx context.Context, remoteID string) (Channel, error) {
	ai, err := t.resolve(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if err := t.host.Connect(ctx, ai); err != nil {
		return nil, fmt.Errorf("connect to %q: %w", remoteID, err)
	}
	s, err := t.host.NewStream(ctx, ai.ID, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync stream to %q: %w", remoteID, err)
	}

	ch := newStreamChannel(s, remoteID)
	// First frame declares who is dialing.
	if err := ch.sendHeader(t.ID()); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("failed to send stream header: %w", err)
	}
	ch.start()
	return ch, nil
}

// resolve finds the libp2p address behind a board id: the gossiped
// directory first, the DHT rendezvous namespace as fallback.
func (t *P2PTransport) resolve(ctx context.Context, remoteID string) (peer.AddrInfo, error) {
	t.mu.RLock()
	ai, ok := t.directory[remoteID]
	t.mu.RUnlock()
	if ok {
		return ai, nil
	}

	routingDiscovery := routingdisc.NewRoutingDiscovery(t.dht)
	peerChan, err := routingDiscovery.FindPeers(ctx, peerNamespace+"-"+remoteID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("resolve %q: %w", remoteID, ErrUnknownPeer)
	}
	for p := range peerChan {
		if p.ID == t.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		t.mu.Lock()
		t.directory[remoteID] = p
		t.mu.Unlock()
		return p, nil
	}
	return peer.AddrInfo{}, fmt.Errorf("resolve %q: %w", remoteID, ErrUnknownPeer)
}

// handleSyncStream accepts a dialer's stream: the header frame names
// the remote board id, everything after is envelope traffic.
func (t *P2PTransport) handleSyncStream(s network.Stream) {
	ch := newStreamChannel(s, "")
	remote, err := ch.readHeader()
	if err != nil {
		log.Printf("Failed to read stream header: %v", err)
		_ = s.Reset()
		return
	}
	ch.remote = remote

	t.mu.RLock()
	accept := t.incoming
	t.mu.RUnlock()
	if accept == nil {
		_ = s.Reset()
		return
	}
	accept(ch)
	ch.start()
}

func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	if t.mdns != nil {
		_ = t.mdns.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

// mdnsNotifee connects to LAN peers so presence gossip reaches them.
type mdnsNotifee struct {
	t *P2PTransport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.t.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.t.ctx, 15*time.Second)
	defer cancel()
	if err := n.t.host.Connect(ctx, pi); err == nil {
		fmt.Printf("🔍 Found LAN peer: %s\n", pi.ID.String())
	}
}

// streamHeader is the first frame on every sync stream.
type streamHeader struct {
	From string `json:"from"`
}

// streamChannel adapts a libp2p stream to the Channel interface using
// JSON frames.
type streamChannel struct {
	s      network.Stream
	enc    *json.Encoder
	dec    *json.Decoder
	remote string

	mu        sync.Mutex
	writeMu   sync.Mutex
	deliverMu sync.Mutex
	onMessage func([]byte)
	onClose   func()
	pending   [][]byte
	closed    bool
	started   bool
}

func newStreamChannel(s network.Stream, remote string) *streamChannel {
	return &streamChannel{
		s:      s,
		enc:    json.NewEncoder(s),
		dec:    json.NewDecoder(s),
		remote: remote,
	}
}

func (c *streamChannel) sendHeader(from string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(streamHeader{From: from})
}

func (c *streamChannel) readHeader() (string, error) {
	var hdr streamHeader
	if err := c.dec.Decode(&hdr); err != nil {
		return "", err
	}
	if hdr.From == "" {
		return "", fmt.Errorf("stream header missing peer id")
	}
	return hdr.From, nil
}

// start launches the read loop. Called after the header exchange so
// header frames never reach OnMessage.
func (c *streamChannel) start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.readLoop()
}

func (c *streamChannel) readLoop() {
	for {
		var raw json.RawMessage
		if err := c.dec.Decode(&raw); err != nil {
			c.shutdown()
			return
		}
		c.deliver(raw)
	}
}

func (c *streamChannel) deliver(data []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn := c.onMessage
	if fn == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(data)
}

func (c *streamChannel) RemoteID() string { return c.remote }

func (c *streamChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(json.RawMessage(data))
}

func (c *streamChannel) OnMessage(fn func(data []byte)) {
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

func (c *streamChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *streamChannel) Close() error {
	err := c.s.Close()
	c.shutdown()
	return err
}

func (c *streamChannel) shutdown() {
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
