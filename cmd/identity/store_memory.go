package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev/test Store when no database is configured.
//
// Every method takes the store mutex for its own duration only, which gives
// the same per-row atomicity the Postgres store gets from conditional UPDATEs.
// RunInTx serializes units of work against each other but does not roll back
// writes made before fn returns an error.
type InMemoryStore struct {
	txMu sync.Mutex

	mu      sync.Mutex
	users   map[string]User
	pairs   map[pairKey]Pair
	uploads map[string]PendingUpload
	banned  map[string]BannedIdentification
}

type pairKey struct {
	owner string
	other string
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]User),
		pairs:   make(map[pairKey]Pair),
		uploads: make(map[string]PendingUpload),
		banned:  make(map[string]BannedIdentification),
	}
}

// Close is a noop for in-memory.
func (s *InMemoryStore) Close() error { return nil }

// PutUser inserts or replaces a user.
func (s *InMemoryStore) PutUser(u User) error {
	u.UID = NormalizeUID(u.UID)
	if !ValidUID(u.UID) {
		return invalidInput("identity.PutUser", "invalid uid")
	}
	s.mu.Lock()
	s.users[u.UID] = u
	s.mu.Unlock()
	return nil
}

// PutPair inserts or replaces a directional pair. Both users must exist.
func (s *InMemoryStore) PutPair(p Pair) error {
	const op = "identity.PutPair"
	if p.Owner == "" || p.Other == "" {
		return invalidInput(op, "missing uid")
	}
	if p.Owner == p.Other {
		return invalidInput(op, "self pair")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.Owner]; !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if _, ok := s.users[p.Other]; !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	s.pairs[pairKey{owner: p.Owner, other: p.Other}] = p
	return nil
}

// SetPaused toggles the paused flag of an existing pair.
func (s *InMemoryStore) SetPaused(owner, other string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{owner: owner, other: other}
	p, ok := s.pairs[k]
	if !ok {
		return NotFoundError{Op: "identity.SetPaused", Resource: "pair"}
	}
	p.IsPaused = paused
	s.pairs[k] = p
	return nil
}

// PutPendingUpload inserts or replaces an upload placeholder.
func (s *InMemoryStore) PutPendingUpload(u PendingUpload) error {
	if u.Hash == "" || u.Uploader == "" {
		return invalidInput("identity.PutPendingUpload", "missing hash or uploader")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.uploads[u.Hash] = u
	s.mu.Unlock()
	return nil
}

// PendingUploads returns uploader's placeholders ordered by hash.
func (s *InMemoryStore) PendingUploads(uploader string) []PendingUpload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingUpload, 0)
	for _, u := range s.uploads {
		if u.Uploader == uploader {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Ban blocks a character identification.
func (s *InMemoryStore) Ban(b BannedIdentification) error {
	if b.CharacterIdentification == "" {
		return invalidInput("identity.Ban", "missing character identification")
	}
	s.mu.Lock()
	s.banned[b.CharacterIdentification] = b
	s.mu.Unlock()
	return nil
}

// RunInTx implements Store.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	if fn == nil {
		return errors.New("identity: nil tx func")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

// GetUser implements Querier.
func (s *InMemoryStore) GetUser(ctx context.Context, uid string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	u, ok := s.users[uid]
	s.mu.Unlock()
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUser", Resource: "user"}
	}
	return u, nil
}

// IsBanned implements Querier.
func (s *InMemoryStore) IsBanned(ctx context.Context, characterIdentification string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.banned[characterIdentification]
	s.mu.Unlock()
	return ok, nil
}

// MarkPresent implements Querier.
func (s *InMemoryStore) MarkPresent(ctx context.Context, uid, characterIdentification string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if characterIdentification == "" {
		return false, invalidInput("identity.MarkPresent", "empty character identification")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[uid]
	if !ok || u.Present() {
		return false, nil
	}
	ts := now.UTC()
	u.LastLoggedIn = &ts
	u.CharacterIdentification = characterIdentification
	s.users[uid] = u
	return true, nil
}

// ClearPresence implements Querier.
func (s *InMemoryStore) ClearPresence(ctx context.Context, uid, characterIdentification string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[uid]
	if !ok || !u.Present() || u.CharacterIdentification != characterIdentification {
		return false, nil
	}
	u.CharacterIdentification = ""
	s.users[uid] = u
	return true, nil
}

// CountPresent implements Querier.
func (s *InMemoryStore) CountPresent(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.users {
		if u.Present() {
			n++
		}
	}
	return n, nil
}

// OutgoingPairs implements Querier.
func (s *InMemoryStore) OutgoingPairs(ctx context.Context, owner string) ([]OutgoingPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OutgoingPair, 0)
	for k, p := range s.pairs {
		if k.owner != owner || p.IsPaused {
			continue
		}
		out = append(out, OutgoingPair{
			Pair:                         p,
			OtherCharacterIdentification: s.users[k.other].CharacterIdentification,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Other < out[j].Other })
	return out, nil
}

// ReciprocatingOwners implements Querier.
func (s *InMemoryStore) ReciprocatingOwners(ctx context.Context, owners []string, other string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(owners))
	for _, owner := range owners {
		p, ok := s.pairs[pairKey{owner: owner, other: other}]
		if ok && !p.IsPaused {
			out = append(out, owner)
		}
	}
	return out, nil
}

// DeleteUnfinishedUploads implements Querier.
func (s *InMemoryStore) DeleteUnfinishedUploads(ctx context.Context, uploader string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for h, u := range s.uploads {
		if u.Uploader == uploader && !u.Uploaded {
			delete(s.uploads, h)
			n++
		}
	}
	return n, nil
}
