package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
)

// DefaultIdleTimeout deactivates sessions unused for twice the 24h token
// lifetime.
const DefaultIdleTimeout = 48 * time.Hour

var ErrIdentityExists = errors.New("identity already exists")

type identityRecord struct {
	identity model.Identity
	hash     string
	active   bool
	lastSeen time.Time
}

// MemoryStore is an in-process IdentityStore and Registrar.
type MemoryStore struct {
	mu          sync.RWMutex
	byHash      map[string]*identityRecord
	byID        map[string]*identityRecord
	clock       clock.Clock
	idleTimeout time.Duration
}

func NewMemoryStore(clk clock.Clock, idleTimeout time.Duration) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &MemoryStore{
		byHash:      make(map[string]*identityRecord),
		byID:        make(map[string]*identityRecord),
		clock:       clk,
		idleTimeout: idleTimeout,
	}
}

func (s *MemoryStore) CreateIdentity(_ context.Context, identity model.Identity, credentialHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[identity.AnonID]; exists {
		return ErrIdentityExists
	}
	if _, exists := s.byHash[credentialHash]; exists {
		return ErrIdentityExists
	}
	rec := &identityRecord{
		identity: identity,
		hash:     credentialHash,
		active:   true,
		lastSeen: s.clock.Now(),
	}
	s.byHash[credentialHash] = rec
	s.byID[identity.AnonID] = rec
	return nil
}

func (s *MemoryStore) LookupActiveIdentityByCredential(ctx context.Context, credentialHash string) (model.Identity, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Identity{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byHash[credentialHash]
	if !ok || !rec.active {
		return model.Identity{}, false, nil
	}
	if s.clock.Now().Sub(rec.lastSeen) > s.idleTimeout {
		return model.Identity{}, false, nil
	}
	return rec.identity, true, nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, anonID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byID[anonID]; ok {
		rec.lastSeen = s.clock.Now()
	}
	return nil
}

// Deactivate revokes every credential of anonID.
func (s *MemoryStore) Deactivate(anonID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[anonID]; ok {
		rec.active = false
	}
}

// LastSeen reports the last-seen marker of anonID.
func (s *MemoryStore) LastSeen(anonID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[anonID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastSeen, true
}
