// Command server runs the gravity gateway: an OpenAI, Anthropic and Gemini
// compatible HTTP front over the Cloud Code upstream, multiplexing a pool of
// OAuth accounts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/logging"
	"github.com/openfold/gravity-gateway/internal/oauth"
	"github.com/openfold/gravity-gateway/internal/pool"
	"github.com/openfold/gravity-gateway/internal/server"
	"github.com/openfold/gravity-gateway/internal/sigcache"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[Startup] Failed to create data directory: %v", err)
		}
	}
	st, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("[Startup] Failed to open database: %v", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("[Startup] Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warnf("[Startup] Redis unreachable, signature mirror disabled: %v", err)
			rdb.Close()
			rdb = nil
		}
		cancel()
		if rdb != nil {
			defer rdb.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := oauth.NewManager(st, cfg)
	p := pool.New(st, tokens, cfg)
	caches := sigcache.New(cfg, st, rdb)
	client := upstream.New(cfg)

	tokens.ScheduleTokenRefresh(ctx, cfg.TokenRefreshInterval)
	tokens.ScheduleQuotaSync(ctx, cfg.QuotaSyncInterval)

	if accounts, err := st.ListSchedulable(ctx); err == nil {
		log.Infof("[Startup] %d schedulable account(s)", len(accounts))
		if len(accounts) == 0 {
			log.Warn("[Startup] No accounts configured. Run the accounts tool to add one.")
		}
	}

	srv := server.New(cfg, st, p, tokens, caches, client)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestDeadline + time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Infof("[Server] Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("[Server] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[Server] Forced shutdown: %v", err)
	}
	log.Info("[Server] Stopped")
}
