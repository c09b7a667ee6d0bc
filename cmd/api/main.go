package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"coursekeep.org/internal/access"
	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/config"
	"coursekeep.org/internal/entitlement"
	"coursekeep.org/internal/httpapi"
	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/payout"
	"coursekeep.org/internal/policy"
	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/signedurl"
	"coursekeep.org/internal/store/pg"
	"coursekeep.org/internal/stream"
	"coursekeep.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	tenants      tenant.Directory
	entitlements entitlement.Store
	policies     policy.Store
	audit        audit.Store
	payouts      payout.Store
	counter      ratelimit.Counter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo("coursekeep-api", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres when a DSN is set; the readiness probe pings it.
	st := stores{
		tenants:      tenant.NewInMemoryDirectory(),
		entitlements: entitlement.NewInMemory(),
		policies:     policy.NewInMemory(),
		audit:        audit.NewInMemoryStore(),
		payouts:      payout.NewInMemory(),
		counter:      ratelimit.NewMemoryCounter(),
	}
	var probe httpapi.ReadyProbe
	if cfg.Postgres.DSN != "" {
		db, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		probe.DB = db
		st = stores{
			tenants:      db.Tenants(),
			entitlements: db.Entitlements(),
			policies:     db.Policies(),
			audit:        db.AuditLog(),
			payouts:      db.Payouts(),
			counter:      db.RateWindows(),
		}
	} else {
		obs.LogInfo("api", "no postgres dsn, using in-memory stores", nil)
	}

	seeds := cfg.Tenants
	if len(seeds) == 0 && cfg.Postgres.DSN == "" {
		seeds = []tenant.Tenant{{ID: "demo-academy", Name: "Demo Academy", Public: true}}
	}
	created, err := tenant.Seed(ctx, st.tenants, seeds)
	if err != nil {
		log.Fatalf("seed tenants: %v", err)
	}
	for _, t := range created {
		obs.LogInfo("api", "tenant seeded", map[string]any{"tenant_id": t.ID, "status": string(t.Status)})
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		st.counter = ratelimit.NewRedisCounter(rdb, cfg.Redis.Prefix)
	}

	feed := stream.New[audit.Entry](64)
	recOpts := []audit.RecorderOption{audit.WithSink(audit.NewFeedSink(feed))}
	if cfg.NATS.URL != "" {
		sink, err := audit.ConnectNATS(ctx, cfg.NATS.URL)
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		defer sink.Close()
		recOpts = append(recOpts, audit.WithSink(sink))
	}
	recorder := audit.NewRecorder(st.audit, recOpts...)

	tokens, err := auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	policies, err := policy.NewService(st.policies,
		policy.WithRecorder(recorder),
		policy.WithCacheTTL(cfg.Policy.CacheTTL),
	)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	defer policies.Close()

	limiter, err := ratelimit.New(st.counter, cfg.RateLimit.Rules)
	if err != nil {
		log.Fatalf("ratelimit: %v", err)
	}
	urls, err := signedurl.New(cfg.Downloads.BaseURL, cfg.Downloads.Secret)
	if err != nil {
		log.Fatalf("signed urls: %v", err)
	}

	ents := entitlement.NewLedger(st.entitlements, entitlement.WithRecorder(recorder))
	deps := httpapi.Deps{
		Tenants:      tenant.NewGuard(st.tenants),
		Tokens:       tokens,
		Entitlements: ents,
		Policies:     policies,
		Resolver: access.NewResolver(ents, policies, recorder,
			access.WithDownloads(limiter, urls, cfg.Downloads.URLTTL),
			access.WithStrictAudit(cfg.Audit.Strict),
		),
		Limiter: limiter,
		Audit:   recorder,
		Feed:    feed,
		Payouts: payout.NewLedger(st.payouts, recorder),
	}

	apiOpts := []httpapi.Option{
		httpapi.WithCORSOrigin(cfg.Server.CORSOrigin),
		httpapi.WithEdgeLimit(cfg.RateLimit.HTTP.RequestsPerSecond, cfg.RateLimit.HTTP.Burst),
	}
	if cfg.Auth.DevTokens {
		apiOpts = append(apiOpts, httpapi.WithDevTokens(cfg.Auth.TokenTTL))
	}
	api := httpapi.New(probe, version, deps, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var grpcServer *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcServer = grpc.NewServer()
		httpapi.NewGRPCServer(probe, version).Register(grpcServer)
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		obs.LogInfo("api", "grpc health listening", map[string]any{"addr": cfg.GRPC.Addr})
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.LogInfo("api", "coursekeep-api started", map[string]any{"addr": srv.Addr, "version": version})

	<-ctx.Done()
	obs.LogInfo("api", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.LogError("api", "http shutdown", err, nil)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	obs.LogInfo("api", "stopped", nil)
}
