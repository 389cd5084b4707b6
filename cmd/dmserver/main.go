package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taptext/chat/internal/account"
	"github.com/taptext/chat/internal/api"
	"github.com/taptext/chat/internal/config"
	"github.com/taptext/chat/internal/credential"
	"github.com/taptext/chat/internal/engine"
	"github.com/taptext/chat/internal/follow"
	"github.com/taptext/chat/internal/messaging"
	"github.com/taptext/chat/internal/moderation"
	"github.com/taptext/chat/internal/ratelimit"
	"github.com/taptext/chat/internal/registry"
	"github.com/taptext/chat/internal/router"
	"github.com/taptext/chat/internal/session"
	"github.com/taptext/chat/internal/store"
	"github.com/taptext/chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("DM server starting")
	cfg.LogSummary()

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open PostgreSQL: %v", err)
		}
		st = pg
	default:
		log.Printf("[store] using in-memory store, data is lost on restart")
		st = store.NewMemory()
	}

	// --- Sessions / Redis ---
	// The rate limiter shares the session backend's client when sessions
	// live in Redis.
	var rdb *redis.Client
	var backend session.Backend
	if cfg.SessionBackend == config.BackendRedis {
		rb, err := session.NewRedisBackend(cfg.RedisAddr, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		rdb = rb.Client()
		backend = rb
	} else {
		backend = session.NewMemoryBackend(cfg.SessionTTL)
	}

	if cfg.RateLimit && rdb == nil {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit {
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- Core ---
	sessions := session.NewManager(backend, st, cfg.ServerName)
	accounts := account.NewService(st, credential.NewHasher(cfg.BcryptCost), sessions, account.Config{
		ProtectedAccount: cfg.ProtectedAdmin,
	})
	if cfg.BootstrapAdminPassword != "" {
		if err := accounts.Bootstrap(ctx, cfg.ProtectedAdmin, cfg.BootstrapAdminPassword); err != nil {
			log.Fatalf("failed to bootstrap admin: %v", err)
		}
	}

	reg := registry.New(st)

	var filter *moderation.Filter
	if cfg.ContentFilter {
		filter = moderation.NewFilter()
	}
	rt, err := router.New(ctx, st, reg, router.Config{Filter: filter})
	if err != nil {
		log.Fatalf("failed to start router: %v", err)
	}

	mod := moderation.NewService(st, moderation.Config{
		WarningThreshold: cfg.WarningThreshold,
		ProtectedAccount: cfg.ProtectedAdmin,
	})

	eng := engine.New(engine.Deps{
		Sessions:   sessions,
		Accounts:   accounts,
		Registry:   reg,
		Router:     rt,
		Moderation: mod,
		Follows:    follow.New(st),
	})

	// --- NATS audit stream (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "taptext-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		auditor := messaging.NewAuditor(natsClient, cfg.ServerName)
		rt.OnMessage(auditor.Message)
		mod.OnChange(auditor.Moderation)
	}

	// --- Transport ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	dispatcher := ws.NewDMDispatcher(eng, limiter)
	server := ws.NewServer(wsConfig, eng, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.Handle("/", api.NewRouter(eng, api.Options{
		CORSOrigins:   cfg.CORSOrigins,
		SecureCookies: cfg.SecureCookies,
		Limiter:       limiter,
	}))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := sessions.Close(); err != nil {
			log.Printf("session backend close error: %v", err)
		}
		if rdb != nil && cfg.SessionBackend != config.BackendRedis {
			_ = rdb.Close()
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
