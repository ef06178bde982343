package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zigzag/zzchat/api"
	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/config"
	"github.com/zigzag/zzchat/presence"
	"github.com/zigzag/zzchat/ratelimit"
	"github.com/zigzag/zzchat/router"
	"github.com/zigzag/zzchat/store"
	"github.com/zigzag/zzchat/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := config.RegisterFlags(pflag.CommandLine)
	console := pflag.Bool("console", false, "read operator commands from stdin")
	pflag.Parse()

	if err := config.LoadDotEnv(flags.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := setupLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var in io.Reader
	if *console {
		in = os.Stdin
	}
	if err := run(ctx, stop, cfg, logger, in); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupLogger never records client addresses; handlers only log aliases
// and session IDs.
func setupLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run serves until ctx is cancelled, then drains connections and closes
// the backends. A non-nil console reader is served as the operator console;
// its stop command calls stop.
func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger, console io.Reader) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	hasher := auth.NewHasher(cfg.Auth.CredentialPepper)
	limiter := ratelimit.New(cfg.Chat.RateLimit, cfg.Chat.RateWindow, nil)
	defer limiter.Close()
	registry := presence.New()
	defer registry.Close()

	rt, err := router.New(router.Config{
		Authenticator:      auth.NewAuthenticator(be.identities, hasher, logger),
		Limiter:            limiter,
		Store:              be.messages,
		Presence:           registry,
		Logger:             logger,
		QueueSize:          cfg.Chat.OutboundQueue,
		InboundBuffer:      cfg.Chat.InboundBuffer,
		TypingTimeout:      cfg.Chat.TypingTimeout,
		MaxRoomsPerSession: cfg.Chat.MaxRoomsPerSession,
	})
	if err != nil {
		return err
	}

	sweeper := store.NewSweeper(be.messages, cfg.Store.SweepInterval, nil, logger)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go sweeper.Run(sweepCtx)

	ws := transport.NewServer(rt, transport.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	apiOpts := api.Options{
		Router:      rt,
		Connections: ws.Len,
		Logger:      logger,
	}
	if cfg.Auth.EnableRegistration {
		apiOpts.Issuer = auth.NewIssuer(be.identities, hasher)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	api.New(apiOpts).Routes(mux)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(ws.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "store", cfg.Store.Driver, "registration", cfg.Auth.EnableRegistration)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if console != nil {
		go runConsole(ctx, console, os.Stdout, consoleOps{
			stats: rt.Stats,
			sweep: be.messages.Expire,
			stop:  stop,
		})
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	waitForSessions(shutdownCtx, ws)
	return nil
}

// waitForSessions gives hijacked websocket connections time to flush their
// close frames; http.Server.Shutdown does not track them.
func waitForSessions(ctx context.Context, ws *transport.Server) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for ws.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
