package board

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/store"
)

// listingTTL is how long a fresh listing stays up before it is
// considered stale.
const listingTTL = 30 * 24 * time.Hour

// ListingStore is the in-memory authoritative listing collection,
// write-through to the record store.
type ListingStore struct {
	mu       sync.RWMutex
	records  store.RecordStore
	users    *UserStore
	prop     Propagator
	listings map[string]*Listing
}

// NewListingStore creates a listing store backed by the given record
// store.
func NewListingStore(records store.RecordStore, users *UserStore) *ListingStore {
	return &ListingStore{
		records:  records,
		users:    users,
		prop:     NopPropagator{},
		listings: make(map[string]*Listing),
	}
}

// SetPropagator wires in the sync engine once it exists.
func (s *ListingStore) SetPropagator(p Propagator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prop = p
}

// Load reads every persisted listing into memory.
func (s *ListingStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.records.GetAll(store.Listings)
	if err != nil {
		return fmt.Errorf("failed to load listings: %w", err)
	}
	for _, raw := range records {
		var l Listing
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("malformed listing record: %w", err)
		}
		s.listings[l.ID] = &l
	}
	return nil
}

// NewListing is the caller-supplied part of a listing.
type NewListing struct {
	Title       string
	Description string
	Category    ListingCategory
	Price       string
	Location    string
	Images      []string
	Tags        []string
}

// Create assigns an id and timestamps, persists the listing, and
// broadcasts it to all connected peers.
func (s *ListingStore) Create(in NewListing) (*Listing, error) {
	owner := s.users.Current()
	if owner == nil {
		return nil, ErrNoProfile
	}
	if in.Title == "" {
		in.Title = "Untitled Listing"
	}
	if in.Category == "" {
		in.Category = CategoryOther
	}
	now := time.Now().UnixMilli()
	l := &Listing{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Price:       in.Price,
		Location:    in.Location,
		Images:      in.Images,
		Tags:        in.Tags,
		CreatedBy:   owner.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      ListingActive,
		ExpiresAt:   now + listingTTL.Milliseconds(),
	}

	s.mu.Lock()
	if err := s.persist(l); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.listings[l.ID] = l
	prop := s.prop
	s.mu.Unlock()

	prop.BroadcastListing(cloneListing(l))
	return cloneListing(l), nil
}

// ListingUpdate is a partial listing edit; nil fields are untouched.
type ListingUpdate struct {
	Title       *string
	Description *string
	Category    *ListingCategory
	Price       *string
	Location    *string
	Tags        []string
	Status      *ListingStatus
}

// Update applies a partial edit. Only the creating user may update a
// listing; the persisted record is untouched on a permission failure.
func (s *ListingStore) Update(id string, in ListingUpdate) (*Listing, error) {
	owner := s.users.Current()
	if owner == nil {
		return nil, ErrNoProfile
	}

	s.mu.Lock()
	l, ok := s.listings[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("listing %s: %w", id, ErrRecordNotFound)
	}
	if l.CreatedBy != owner.ID {
		s.mu.Unlock()
		return nil, fmt.Errorf("listing %s: %w", id, ErrPermissionDenied)
	}
	// Edit a copy; the map entry only changes once the write is durable.
	updated := cloneListing(l)
	if in.Title != nil {
		updated.Title = *in.Title
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.Category != nil {
		updated.Category = *in.Category
	}
	if in.Price != nil {
		updated.Price = *in.Price
	}
	if in.Location != nil {
		updated.Location = *in.Location
	}
	if in.Tags != nil {
		updated.Tags = in.Tags
	}
	if in.Status != nil {
		updated.Status = *in.Status
	}
	updated.UpdatedAt = time.Now().UnixMilli()
	if err := s.persist(updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.listings[id] = updated
	updated = cloneListing(updated)
	prop := s.prop
	s.mu.Unlock()

	prop.BroadcastListing(updated)
	return cloneListing(updated), nil
}

// Delete tombstones a listing. The record stays in the store with
// status "deleted" so the deletion itself can be gossiped to peers
// that still hold the live version.
func (s *ListingStore) Delete(id string) error {
	deleted := ListingDeleted
	_, err := s.Update(id, ListingUpdate{Status: &deleted})
	return err
}

// Get returns a listing by id.
func (s *ListingStore) Get(id string) (*Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, false
	}
	return cloneListing(l), true
}

// All returns every listing, newest first.
func (s *ListingStore) All() []*Listing {
	s.mu.RLock()
	out := make([]*Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, cloneListing(l))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Mine returns the listings created by the local profile, newest
// first, through the record store's createdBy index.
func (s *ListingStore) Mine() []*Listing {
	owner := s.users.Current()
	if owner == nil {
		return nil
	}
	records, err := s.records.QueryByIndex(store.Listings, store.IndexCreatedBy, owner.ID)
	if err != nil {
		log.Printf("Listing lookup by creator failed: %v", err)
		return nil
	}
	var out []*Listing
	for _, raw := range records {
		var l Listing
		if err := json.Unmarshal(raw, &l); err != nil {
			log.Printf("Skipping malformed listing record: %v", err)
			continue
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Filter selects and orders listings.
func (s *ListingStore) Filter(f ListingFilter) []*Listing {
	var out []*Listing
	for _, l := range s.All() {
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(l.Title), needle) &&
				!strings.Contains(strings.ToLower(l.Description), needle) {
				continue
			}
		}
		if f.Category != "" && l.Category != f.Category {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.CreatedBy != "" && l.CreatedBy != f.CreatedBy {
			continue
		}
		if f.PriceMin != 0 && listingPrice(l) < f.PriceMin {
			continue
		}
		if f.PriceMax != 0 && listingPrice(l) > f.PriceMax {
			continue
		}
		out = append(out, l)
	}
	switch f.SortBy {
	case "oldest":
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	case "price_low":
		sort.Slice(out, func(i, j int) bool { return listingPrice(out[i]) < listingPrice(out[j]) })
	case "price_high":
		sort.Slice(out, func(i, j int) bool { return listingPrice(out[i]) > listingPrice(out[j]) })
	default: // newest, already the All() order
	}
	return out
}

// ExpireStale transitions the local profile's own past-due active
// listings to expired. The status change then propagates like any
// other update.
func (s *ListingStore) ExpireStale() []string {
	owner := s.users.Current()
	if owner == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	var expired []string
	for _, l := range s.Filter(ListingFilter{CreatedBy: owner.ID, Status: ListingActive}) {
		if l.ExpiresAt != 0 && l.ExpiresAt < now {
			status := ListingExpired
			if _, err := s.Update(l.ID, ListingUpdate{Status: &status}); err == nil {
				expired = append(expired, l.ID)
			}
		}
	}
	return expired
}

// MergeExternal applies a listing received from a peer: last-write-wins
// on updatedAt, ties favor the local copy. Returns true when the
// incoming record was accepted.
func (s *ListingStore) MergeExternal(incoming *Listing) (bool, error) {
	if incoming == nil || incoming.ID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	local, exists := s.listings[incoming.ID]
	if exists && incoming.UpdatedAt <= local.UpdatedAt {
		return false, nil
	}
	cp := cloneListing(incoming)
	if err := s.persist(cp); err != nil {
		return false, err
	}
	s.listings[cp.ID] = cp
	return true, nil
}

func (s *ListingStore) persist(l *Listing) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := s.records.Put(store.Listings, l.ID, raw); err != nil {
		return fmt.Errorf("failed to persist listing %s: %w", l.ID, err)
	}
	return nil
}

func listingPrice(l *Listing) float64 {
	p, err := strconv.ParseFloat(strings.TrimSpace(l.Price), 64)
	if err != nil {
		return 0
	}
	return p
}

func cloneListing(l *Listing) *Listing {
	cp := *l
	cp.Images = append([]string(nil), l.Images...)
	cp.Tags = append([]string(nil), l.Tags...)
	return &cp
}
