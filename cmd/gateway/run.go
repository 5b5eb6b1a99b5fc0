package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/eugener/llmgateway/internal/app"
	"github.com/eugener/llmgateway/internal/auth"
	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/circuitbreaker"
	"github.com/eugener/llmgateway/internal/config"
	"github.com/eugener/llmgateway/internal/proxy"
	"github.com/eugener/llmgateway/internal/server"
	"github.com/eugener/llmgateway/internal/storage/postgres"
	"github.com/eugener/llmgateway/internal/telemetry"
	"github.com/eugener/llmgateway/internal/worker"
)

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.Info("starting gateway", "version", version, "addr", cfg.ListenAddr)

	ctx := context.Background()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database connected")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	slog.Info("redis connected")

	authCache := cache.NewAuthCache(rdb)
	routeCache := cache.NewRouteCache(rdb)

	hashes, err := store.ActiveHashes(ctx)
	if err != nil {
		return err
	}
	if err := authCache.WarmUp(ctx, hashes); err != nil {
		return err
	}
	routes, err := store.AllRoutes(ctx)
	if err != nil {
		return err
	}
	if err := routeCache.WarmUp(ctx, routes); err != nil {
		return err
	}
	slog.Info("cache warmed up", "active_keys", len(hashes), "routes", len(routes))

	// Shared DNS cache for the upstream HTTP client.
	dnsResolver := &dnscache.Resolver{}
	dnsCtx, dnsCancel := context.WithCancel(ctx)
	defer dnsCancel()
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-dnsCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()

	upstreamClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
			MaxConnsPerHost:     200,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 5 * time.Second,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := dnsResolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
			},
		},
	}

	routerSvc := app.NewRouterService(store, routeCache)
	keys := app.NewKeyManager(store, authCache)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	engine := proxy.NewEngine(routerSvc, store, store, breakers, upstreamClient, cfg.LogRequestBody, cfg.LogResponseBody)

	// Providers get deleted or rotated out from under a long-running gateway
	// (internal/server/admin.go's provider CRUD); without this, the registry
	// would hold a breaker per provider ID forever.
	breakerEvictCtx, breakerEvictCancel := context.WithCancel(ctx)
	defer breakerEvictCancel()
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-breakerEvictCtx.Done():
				return
			case <-t.C:
				if n := breakers.EvictStale(time.Now().Add(-30 * time.Minute)); n > 0 {
					slog.Info("evicted stale circuit breakers", "count", n)
				}
			}
		}
	}()

	keyAuth := auth.NewKeyAuthenticator(store, authCache)
	adminAuth := auth.NewAdminAuthenticator(cfg.AdminKey)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	engine.SetMetrics(metrics)

	var workers []worker.Worker
	if cfg.LogRetentionDays > 0 {
		workers = append(workers, worker.NewRetentionSweeper(store, cfg.LogRetentionDays))
		slog.Info("retention sweeper enabled", "retention_days", cfg.LogRetentionDays)
	}
	runner := worker.NewRunner(workers...)

	handler := server.New(server.Deps{
		Auth:           keyAuth,
		AdminAuth:      adminAuth,
		Router:         routerSvc,
		Keys:           keys,
		Engine:         engine,
		Store:          store,
		RouteCache:     routeCache,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gateway ready", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("gateway stopped")
	return nil
}
