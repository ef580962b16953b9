// app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callsig/internal/api"
	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/config"
	"github.com/petervdpas/callsig/internal/store"
)

// run wires store → coordinator → API and blocks until ctx is canceled.
func run(ctx context.Context, cfg config.Config) error {
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// The runner carries no media backend; the loopback engine completes the
	// signaling path so the coordinator can be driven over the API.
	coord := call.New(st, call.NewLoopbackEngine(), cfg.SelfID, call.Options{
		RingTimeout:        time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ResolverAttempts:   cfg.Call.ResolverAttempts,
		ResolverBaseDelay:  time.Duration(cfg.Call.ResolverBaseDelayMs) * time.Millisecond,
		ResolverMultiplier: cfg.Call.ResolverMultiplier,
	})
	defer coord.Close()

	mux := http.NewServeMux()
	api.New(coord).Register(mux)

	srv := &http.Server{Addr: cfg.API.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLiteDir)
	case "redis":
		return store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return store.NewMemory(), nil
	}
}
