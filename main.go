package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fernrelay/relay/internal/config"
	"github.com/fernrelay/relay/internal/k8s"
	"github.com/fernrelay/relay/internal/middleware"
	"github.com/fernrelay/relay/internal/relayserver"
	"github.com/fernrelay/relay/internal/sessionstore"
	"github.com/fernrelay/relay/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	store := buildStore(cfg, logger)

	issuer := token.NewIssuer(cfg.JWTSecret)
	rl := middleware.NewRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)

	srv := relayserver.New(cfg, store, issuer, rl, logger)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	slog.Info("relay starting", "addr", "http://localhost"+addr, "base_domain", cfg.BaseDomain, "store_backend", cfg.StoreBackend)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("listen failed", "error", err)
			os.Exit(2)
		}
	case <-sigCh:
		slog.Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("relay shutdown failed", "error", err)
	}

	slog.Info("relay stopped")
}

// buildStore selects the SessionStore backend at startup per configuration.
// A configured-but-unreachable remote-kv backend falls back to in-memory
// with a logged warning and is never revisited at runtime.
func buildStore(cfg *config.Config, logger *slog.Logger) sessionstore.Store {
	if cfg.StoreBackend != "remote-kv" {
		return sessionstore.NewInMemory()
	}

	k8s.Configure(cfg.StoreKubeNamespace, cfg.StoreKubeconfig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := sessionstore.NewRemoteKv(ctx)
	if err != nil {
		logger.Warn("remote-kv store unreachable at startup, falling back to in-memory", "error", err)
		return sessionstore.NewInMemory()
	}
	return store
}
