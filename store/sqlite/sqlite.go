// Package sqlite persists chat messages and anonymous identities in a
// single SQLite database using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/store"
)

//go:embed schema.sql
var schema string

// Options tunes a Store. Zero values select the package defaults.
type Options struct {
	Clock       clock.Clock
	Retention   time.Duration
	IdleTimeout time.Duration
}

// Store implements store.MessageStore, auth.IdentityStore and
// auth.Registrar.
type Store struct {
	db          *sql.DB
	clock       clock.Clock
	retention   time.Duration
	idleTimeout time.Duration
}

// Open opens (creating if needed) the database at path, applies the schema
// and removes messages that expired while the process was down.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Retention <= 0 {
		opts.Retention = store.Retention
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = auth.DefaultIdleTimeout
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:          db,
		clock:       opts.Clock,
		retention:   opts.Retention,
		idleTimeout: opts.IdleTimeout,
	}
	if _, err := s.Expire(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) cutoffMillis() int64 {
	return s.clock.Now().Add(-s.retention).UnixMilli()
}

func (s *Store) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	msg.ID = store.NewID()
	msg.CreatedAt = s.clock.Now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (
	id,
	room,
	content,
	kind,
	image_url,
	sender_anon_id,
	sender_alias,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		msg.ID,
		msg.Room,
		msg.Content,
		string(msg.Kind),
		msg.ImageURL,
		msg.Sender.AnonID,
		msg.Sender.Alias,
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.ChatMessage{}, store.Unavailable("append", err)
	}
	return msg, nil
}

func (s *Store) Recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, room, content, kind, image_url, sender_anon_id, sender_alias, created_at
FROM messages
WHERE room = ? AND created_at >= ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, room, s.cutoffMillis(), store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable("recent", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var (
			m         model.ChatMessage
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.Room, &m.Content, &kind, &m.ImageURL, &m.Sender.AnonID, &m.Sender.Alias, &createdAt); err != nil {
			return nil, store.Unavailable("scan message", err)
		}
		m.Kind = model.Kind(kind)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("iterate messages", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Expire(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, s.cutoffMillis())
	if err != nil {
		return 0, store.Unavailable("expire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Unavailable("expire", err)
	}
	return int(n), nil
}

func isConstraint(err error) bool {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		// SQLITE_CONSTRAINT and its extended codes share the low byte 19.
		return coder.Code()&0xff == 19
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
