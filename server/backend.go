package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/config"
	"github.com/zigzag/zzchat/store"
	"github.com/zigzag/zzchat/store/redisstore"
	"github.com/zigzag/zzchat/store/sqlite"
)

// identityBackend serves both lookups and issuance.
type identityBackend interface {
	auth.IdentityStore
	auth.Registrar
}

type backend struct {
	messages   store.MessageStore
	identities identityBackend
	closers    []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackend selects the message store. Identities live in SQLite when
// that driver is chosen and in process memory otherwise.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.Store.SQLitePath, sqlite.Options{
			Retention:   cfg.Store.Retention,
			IdleTimeout: cfg.Auth.SessionIdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.Store.SQLitePath)
		return &backend{messages: st, identities: st, closers: []func() error{st.Close}}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		logger.Info("redis store connected", "addr", cfg.Store.RedisAddr)
		st := redisstore.New(client, cfg.Store.RedisPrefix, nil, cfg.Store.Retention)
		return &backend{
			messages:   st,
			identities: auth.NewMemoryStore(nil, cfg.Auth.SessionIdleTimeout),
			closers:    []func() error{st.Close},
		}, nil

	default:
		st := store.NewMemoryStore(nil, cfg.Store.Retention)
		return &backend{
			messages:   st,
			identities: auth.NewMemoryStore(nil, cfg.Auth.SessionIdleTimeout),
			closers:    []func() error{st.Close},
		}, nil
	}
}
