// Package auth resolves opaque session credentials to anonymous identities.
//
// The identity records themselves belong to the platform's account
// subsystem; this package only hashes credentials, looks them up through an
// IdentityStore and refreshes the last-seen marker.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zigzag/zzchat/model"
)

var (
	ErrMissingCredential = errors.New("session credential required")
	ErrInvalidOrExpired  = errors.New("invalid or expired session")
	ErrUnavailable       = errors.New("identity store unavailable")
)

// IdentityStore is the collaborator interface exposed by the account
// subsystem. Lookups take the credential hash, never the raw credential.
type IdentityStore interface {
	LookupActiveIdentityByCredential(ctx context.Context, credentialHash string) (model.Identity, bool, error)
	TouchLastSeen(ctx context.Context, anonID string) error
}

const defaultTouchTimeout = 5 * time.Second

// Authenticator verifies credentials presented at connection time.
type Authenticator struct {
	store        IdentityStore
	hasher       *Hasher
	logger       *slog.Logger
	touchTimeout time.Duration
}

// NewAuthenticator returns an Authenticator backed by store. A nil hasher
// hashes without a pepper; a nil logger logs to slog.Default.
func NewAuthenticator(store IdentityStore, hasher *Hasher, logger *slog.Logger) *Authenticator {
	if hasher == nil {
		hasher = NewHasher("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		store:        store,
		hasher:       hasher,
		logger:       logger,
		touchTimeout: defaultTouchTimeout,
	}
}

// Authenticate resolves credential to an identity. On success the last-seen
// marker is refreshed in the background; that write never delays or fails
// the caller.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (model.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Identity{}, ErrMissingCredential
	}

	identity, ok, err := a.store.LookupActiveIdentityByCredential(ctx, a.hasher.Hash(credential))
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return model.Identity{}, ErrInvalidOrExpired
	}

	go a.touch(identity.AnonID)
	return identity, nil
}

func (a *Authenticator) touch(anonID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.touchTimeout)
	defer cancel()

	if err := a.store.TouchLastSeen(ctx, anonID); err != nil {
		a.logger.Warn("touch last seen failed", "anonId", anonID, "error", err)
	}
}
