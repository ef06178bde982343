package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/zigzag/zzchat/model"
)

// Registrar persists a newly issued identity under its credential hash.
type Registrar interface {
	CreateIdentity(ctx context.Context, identity model.Identity, credentialHash string) error
}

// Registration is returned once to the client; the raw token is never
// stored.
type Registration struct {
	model.Identity
	Token string `json:"token"`
}

// Issuer creates anonymous identities for self-hosted and development
// deployments that have no separate account service.
type Issuer struct {
	store  Registrar
	hasher *Hasher
}

func NewIssuer(store Registrar, hasher *Hasher) *Issuer {
	if hasher == nil {
		hasher = NewHasher("")
	}
	return &Issuer{store: store, hasher: hasher}
}

// Register creates a fresh identity with a generated alias and token.
func (i *Issuer) Register(ctx context.Context) (Registration, error) {
	token, err := NewToken()
	if err != nil {
		return Registration{}, fmt.Errorf("generate token: %w", err)
	}
	identity := model.Identity{
		AnonID: uuid.NewString(),
		Alias:  GenerateAlias(),
	}
	if err := i.store.CreateIdentity(ctx, identity, i.hasher.Hash(token)); err != nil {
		return Registration{}, fmt.Errorf("create identity: %w", err)
	}
	return Registration{Identity: identity, Token: token}, nil
}
