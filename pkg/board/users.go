package board

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/store"
)

// profileKey is the fixed record-store key of the local profile. The
// profile's id field is a generated token like every other user id.
const profileKey = "current-user"

// UserStore holds the local profile plus every remote user learned
// through hello/user_info messages.
type UserStore struct {
	mu      sync.RWMutex
	records store.RecordStore
	prop    Propagator
	current *User
	users   map[string]*User
}

// NewUserStore creates a user store backed by the given record store.
func NewUserStore(records store.RecordStore) *UserStore {
	return &UserStore{
		records: records,
		prop:    NopPropagator{},
		users:   make(map[string]*User),
	}
}

// SetPropagator wires in the sync engine once it exists.
func (s *UserStore) SetPropagator(p Propagator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prop = p
}

// LoadProfile loads the persisted local profile, creating an anonymous
// one on first run. It also loads all previously seen remote users.
func (s *UserStore) LoadProfile(defaultName string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.records.GetAll(store.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, raw := range records {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("malformed user record: %w", err)
		}
		s.users[u.ID] = &u
	}

	raw, ok, err := s.records.Get(store.Users, profileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if ok {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("malformed profile record: %w", err)
		}
		u.LastSeen = time.Now().UnixMilli()
		if err := s.persistProfile(&u); err != nil {
			return nil, err
		}
		s.current = &u
		// GetAll picked the profile record up as well; keep only the
		// canonical copy.
		delete(s.users, u.ID)
		return cloneUser(&u), nil
	}

	if defaultName == "" {
		defaultName = "Anonymous User"
	}
	now := time.Now().UnixMilli()
	u := &User{
		ID:        NewID(),
		Name:      defaultName,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.persistProfile(u); err != nil {
		return nil, err
	}
	s.current = u
	return cloneUser(u), nil
}

// Current returns the local profile, or nil before LoadProfile.
func (s *UserStore) Current() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUser(s.current)
}

// ProfileUpdate is a partial profile edit; nil fields are untouched.
type ProfileUpdate struct {
	Name   *string
	Avatar *string
	Bio    *string
	PeerID *string
}

// UpdateProfile applies a partial edit to the local profile, persists
// it, and pushes the new profile to connected peers.
func (s *UserStore) UpdateProfile(updates ProfileUpdate) (*User, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, ErrNoProfile
	}
	// Edit a copy; the profile only changes once the write is durable.
	updated := cloneUser(s.current)
	if updates.Name != nil {
		updated.Name = *updates.Name
	}
	if updates.Avatar != nil {
		updated.Avatar = *updates.Avatar
	}
	if updates.Bio != nil {
		updated.Bio = *updates.Bio
	}
	if updates.PeerID != nil {
		updated.PeerID = *updates.PeerID
	}
	updated.LastSeen = time.Now().UnixMilli()
	if err := s.persistProfile(updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = updated
	updated = cloneUser(updated)
	prop := s.prop
	s.mu.Unlock()

	prop.BroadcastUserInfo(updated)
	return cloneUser(updated), nil
}

// SetPeerID records the transport identity on the profile. Used after
// the registry opens (or re-opens) its endpoint.
func (s *UserStore) SetPeerID(peerID string) error {
	_, err := s.UpdateProfile(ProfileUpdate{PeerID: &peerID})
	return err
}

// AddOrUpdate stores a user received from the network. The incoming
// copy always overwrites the local one; there is no timestamp
// comparison for user metadata. The local profile is never replaced by
// a remote copy of itself.
func (s *UserStore) AddOrUpdate(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil || u.ID == "" {
		return nil
	}
	if s.current != nil && u.ID == s.current.ID {
		return nil
	}
	cp := cloneUser(u)
	s.users[cp.ID] = cp
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.records.Put(store.Users, cp.ID, raw); err != nil {
		return fmt.Errorf("failed to persist user %s: %w", cp.ID, err)
	}
	return nil
}

// GetByID looks up a user, including the local profile.
func (s *UserStore) GetByID(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.current.ID == id {
		return cloneUser(s.current), true
	}
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return cloneUser(u), true
}

// GetByPeerID looks up a user by their current transport identity.
func (s *UserStore) GetByPeerID(peerID string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if peerID == "" {
		return nil, false
	}
	if s.current != nil && s.current.PeerID == peerID {
		return cloneUser(s.current), true
	}
	for _, u := range s.users {
		if u.PeerID == peerID {
			return cloneUser(u), true
		}
	}
	return nil, false
}

// Known returns every remote user seen so far.
func (s *UserStore) Known() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	return out
}

func (s *UserStore) persistProfile(u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := s.records.Put(store.Users, profileKey, raw); err != nil {
		return fmt.Errorf("failed to persist profile: %w", err)
	}
	return nil
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
