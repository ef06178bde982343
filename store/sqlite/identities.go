package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/model"
)

func (s *Store) CreateIdentity(ctx context.Context, identity model.Identity, credentialHash string) error {
	now := s.clock.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities (anon_id, alias, token_hash, active, last_seen, created_at)
VALUES (?, ?, ?, 1, ?, ?)
`, identity.AnonID, identity.Alias, credentialHash, now, now)
	if err != nil {
		if isConstraint(err) {
			return auth.ErrIdentityExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *Store) LookupActiveIdentityByCredential(ctx context.Context, credentialHash string) (model.Identity, bool, error) {
	idleCutoff := s.clock.Now().Add(-s.idleTimeout).UnixMilli()

	var identity model.Identity
	err := s.db.QueryRowContext(ctx, `
SELECT anon_id, alias
FROM identities
WHERE token_hash = ? AND active = 1 AND last_seen >= ?
`, credentialHash, idleCutoff).Scan(&identity.AnonID, &identity.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, false, nil
	}
	if err != nil {
		return model.Identity{}, false, fmt.Errorf("lookup identity: %w", err)
	}
	return identity, true, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, anonID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identities SET last_seen = ? WHERE anon_id = ?`,
		s.clock.Now().UnixMilli(), anonID)
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}
	return nil
}

// Deactivate revokes every credential of anonID.
func (s *Store) Deactivate(ctx context.Context, anonID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identities SET active = 0 WHERE anon_id = ?`, anonID)
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	return nil
}
