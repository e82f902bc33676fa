package board

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/store"
)

// DealStore is the in-memory authoritative collection of deals and
// their chat messages, write-through to the record store.
type DealStore struct {
	mu       sync.RWMutex
	records  store.RecordStore
	users    *UserStore
	prop     Propagator
	deals    map[string]*Deal
	messages map[string][]*Message // dealId -> messages, timestamp ascending
}

// NewDealStore creates a deal store backed by the given record store.
func NewDealStore(records store.RecordStore, users *UserStore) *DealStore {
	return &DealStore{
		records:  records,
		users:    users,
		prop:     NopPropagator{},
		deals:    make(map[string]*Deal),
		messages: make(map[string][]*Message),
	}
}

// SetPropagator wires in the sync engine once it exists.
func (s *DealStore) SetPropagator(p Propagator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prop = p
}

// Load reads every persisted deal and message into memory, grouping
// messages per deal in timestamp order.
func (s *DealStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dealRecords, err := s.records.GetAll(store.Deals)
	if err != nil {
		return fmt.Errorf("failed to load deals: %w", err)
	}
	for _, raw := range dealRecords {
		var d Deal
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("malformed deal record: %w", err)
		}
		s.deals[d.ID] = &d
	}
	msgRecords, err := s.records.GetAll(store.Messages)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	for _, raw := range msgRecords {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("malformed message record: %w", err)
		}
		s.messages[m.DealID] = append(s.messages[m.DealID], &m)
	}
	for _, msgs := range s.messages {
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	}
	return nil
}

// Create proposes a deal on a listing. The proposal is persisted
// locally and, when the recipient's peer is connected, sent to them
// directly.
func (s *DealStore) Create(listingID, recipientID, terms string) (*Deal, error) {
	initiator := s.users.Current()
	if initiator == nil {
		return nil, ErrNoProfile
	}
	now := time.Now().UnixMilli()
	d := &Deal{
		ID:          NewID(),
		ListingID:   listingID,
		InitiatorID: initiator.ID,
		RecipientID: recipientID,
		Status:      DealProposed,
		Terms:       terms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if err := s.persistDeal(d); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.deals[d.ID] = d
	prop := s.prop
	s.mu.Unlock()

	if recipient, ok := s.users.GetByID(recipientID); ok && recipient.PeerID != "" {
		prop.SendDealProposal(recipient.PeerID, cloneDeal(d))
	}
	return cloneDeal(d), nil
}

// UpdateStatus transitions a deal. Only the initiator or recipient may
// do so, completed/cancelled are terminal, and the counterparty is
// notified point-to-point rather than by broadcast.
func (s *DealStore) UpdateStatus(id string, status DealStatus) (*Deal, error) {
	actor := s.users.Current()
	if actor == nil {
		return nil, ErrNoProfile
	}

	s.mu.Lock()
	d, ok := s.deals[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("deal %s: %w", id, ErrRecordNotFound)
	}
	if !d.Party(actor.ID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("deal %s: %w", id, ErrPermissionDenied)
	}
	if d.Status.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("deal %s (%s): %w", id, d.Status, ErrDealFinal)
	}
	now := time.Now().UnixMilli()
	// Edit a copy; the map entry only changes once the write is durable.
	updated := cloneDeal(d)
	updated.Status = status
	updated.UpdatedAt = now
	if status == DealCompleted {
		updated.CompletedAt = now
	}
	if err := s.persistDeal(updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.deals[id] = updated
	updated = cloneDeal(updated)
	prop := s.prop
	s.mu.Unlock()

	otherID := updated.RecipientID
	if actor.ID == updated.RecipientID {
		otherID = updated.InitiatorID
	}
	if other, ok := s.users.GetByID(otherID); ok && other.PeerID != "" {
		// Push the record first so the counterparty's copy converges,
		// then the notification they surface to the user.
		prop.SendDealProposal(other.PeerID, updated)
		prop.SendDealResponse(other.PeerID, updated.ID, status == DealAccepted, string(status))
	}
	return cloneDeal(updated), nil
}

// MarkOpened records that a user viewed the deal. OpenedBy has set
// semantics and only grows. The full record is re-broadcast through
// the ordinary merge path; concurrent opens on both sides can race and
// lose one entry, which is accepted.
func (s *DealStore) MarkOpened(id, userID string) (*Deal, error) {
	s.mu.Lock()
	d, ok := s.deals[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("deal %s: %w", id, ErrRecordNotFound)
	}
	now := time.Now().UnixMilli()
	updated := cloneDeal(d)
	updated.Opened = true
	updated.LastOpened = now
	seen := false
	for _, uid := range updated.OpenedBy {
		if uid == userID {
			seen = true
			break
		}
	}
	if !seen && userID != "" {
		updated.OpenedBy = append(updated.OpenedBy, userID)
	}
	// The bump is what lets the rebroadcast win last-write-wins on the
	// other side.
	updated.UpdatedAt = now
	if err := s.persistDeal(updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.deals[id] = updated
	updated = cloneDeal(updated)
	prop := s.prop
	s.mu.Unlock()

	prop.BroadcastDeal(updated)
	return cloneDeal(updated), nil
}

// AddMessage appends a chat message to a deal and sends it to the
// counterparty's peer.
func (s *DealStore) AddMessage(dealID, content, toPeerID string) (*Message, error) {
	return s.addLocalMessage(dealID, content, toPeerID, "", false)
}

// AddOffer appends a price-offer message to a deal.
func (s *DealStore) AddOffer(dealID, price, comment, toPeerID string) (*Message, error) {
	return s.addLocalMessage(dealID, comment, toPeerID, price, true)
}

func (s *DealStore) addLocalMessage(dealID, content, toPeerID, offerPrice string, isOffer bool) (*Message, error) {
	sender := s.users.Current()
	if sender == nil {
		return nil, ErrNoProfile
	}

	s.mu.Lock()
	if _, ok := s.deals[dealID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("deal %s: %w", dealID, ErrRecordNotFound)
	}
	m := &Message{
		ID:         NewID(),
		DealID:     dealID,
		FromPeerID: sender.PeerID,
		ToPeerID:   toPeerID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		IsOffer:    isOffer,
		OfferPrice: offerPrice,
	}
	if err := s.persistMessage(m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.insertMessage(m)
	prop := s.prop
	s.mu.Unlock()

	if toPeerID != "" {
		prop.SendChatMessage(toPeerID, cloneMessage(m))
	}
	return cloneMessage(m), nil
}

// MarkRead flags every message of a deal as read locally. Read state
// is not replicated; openedBy on the deal is the cross-peer receipt.
func (s *DealStore) MarkRead(dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[dealID] {
		if m.Read {
			continue
		}
		cp := cloneMessage(m)
		cp.Read = true
		if err := s.persistMessage(cp); err != nil {
			return err
		}
		m.Read = true
	}
	return nil
}

// UnreadCount returns the number of unread messages on a deal.
func (s *DealStore) UnreadCount(dealID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages[dealID] {
		if !m.Read {
			count++
		}
	}
	return count
}

// Get returns a deal by id.
func (s *DealStore) Get(id string) (*Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, false
	}
	return cloneDeal(d), true
}

// All returns every deal, newest first.
func (s *DealStore) All() []*Deal {
	s.mu.RLock()
	out := make([]*Deal, 0, len(s.deals))
	for _, d := range s.deals {
		out = append(out, cloneDeal(d))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// ByListing returns the deals opened against one listing, newest
// first. Writes go through the record store before memory, so the
// index sees every deal the store knows about.
func (s *DealStore) ByListing(listingID string) []*Deal {
	return s.queryDeals(store.IndexListingID, listingID)
}

// ByUser returns the deals a user participates in, newest first.
func (s *DealStore) ByUser(userID string) []*Deal {
	out := s.queryDeals(store.IndexInitiatorID, userID)
	have := make(map[string]bool, len(out))
	for _, d := range out {
		have[d.ID] = true
	}
	for _, d := range s.queryDeals(store.IndexRecipientID, userID) {
		if !have[d.ID] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (s *DealStore) queryDeals(index, value string) []*Deal {
	records, err := s.records.QueryByIndex(store.Deals, index, value)
	if err != nil {
		log.Printf("Deal lookup by %s failed: %v", index, err)
		return nil
	}
	var out []*Deal
	for _, raw := range records {
		var d Deal
		if err := json.Unmarshal(raw, &d); err != nil {
			log.Printf("Skipping malformed deal record: %v", err)
			continue
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// MessagesFor returns a deal's messages in timestamp order, through
// the record store's dealId index.
func (s *DealStore) MessagesFor(dealID string) []*Message {
	records, err := s.records.QueryByIndex(store.Messages, store.IndexDealID, dealID)
	if err != nil {
		log.Printf("Message lookup for deal %s failed: %v", dealID, err)
		return nil
	}
	out := make([]*Message, 0, len(records))
	for _, raw := range records {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("Skipping malformed message record: %v", err)
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// MergeExternal applies a deal received from a peer: last-write-wins
// on updatedAt, ties favor the local copy.
func (s *DealStore) MergeExternal(incoming *Deal) (bool, error) {
	if incoming == nil || incoming.ID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	local, exists := s.deals[incoming.ID]
	if exists && incoming.UpdatedAt <= local.UpdatedAt {
		return false, nil
	}
	cp := cloneDeal(incoming)
	if err := s.persistDeal(cp); err != nil {
		return false, err
	}
	s.deals[cp.ID] = cp
	return true, nil
}

// MergeExternalMessage appends a message received from a peer.
// Messages are immutable, so dedup is strictly by id: the first copy
// seen wins and later duplicates are dropped.
func (s *DealStore) MergeExternalMessage(incoming *Message) (bool, error) {
	if incoming == nil || incoming.ID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[incoming.DealID] {
		if m.ID == incoming.ID {
			return false, nil
		}
	}
	cp := cloneMessage(incoming)
	if err := s.persistMessage(cp); err != nil {
		return false, err
	}
	s.insertMessage(cp)
	return true, nil
}

// insertMessage keeps the per-deal slice sorted by timestamp. Callers
// hold the lock.
func (s *DealStore) insertMessage(m *Message) {
	msgs := s.messages[m.DealID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp > m.Timestamp })
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	s.messages[m.DealID] = msgs
}

func (s *DealStore) persistDeal(d *Deal) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := s.records.Put(store.Deals, d.ID, raw); err != nil {
		return fmt.Errorf("failed to persist deal %s: %w", d.ID, err)
	}
	return nil
}

func (s *DealStore) persistMessage(m *Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.records.Put(store.Messages, m.ID, raw); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", m.ID, err)
	}
	return nil
}

func cloneDeal(d *Deal) *Deal {
	cp := *d
	cp.OpenedBy = append([]string(nil), d.OpenedBy...)
	return &cp
}

func cloneMessage(m *Message) *Message {
	cp := *m
	return &cp
}
