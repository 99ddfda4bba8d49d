package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loanops/api/internal/app"
	"loanops/api/internal/authpw"
	"loanops/api/internal/branches"
	"loanops/api/internal/broadcast"
	"loanops/api/internal/config"
	"loanops/api/internal/email"
	"loanops/api/internal/export"
	"loanops/api/internal/journal"
	"loanops/api/internal/search"
	"loanops/api/internal/session"
	"loanops/api/internal/store"
	"loanops/api/internal/telemetry"
)

var logger = loggo.GetLogger("loanops.main")

const broadcastChannel = "loanops:broadcast"

func main() {
	cfg := config.Load()
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		logger.Warningf("log config %q: %v", cfg.LogConfig, err)
	}
	ctx := context.Background()

	shutdownTracing := telemetry.Setup(ctx, "loanops-api", cfg.OTLPEndpoint)

	dialCtx, cancelDial := context.WithTimeout(ctx, 15*time.Second)
	dataStore, err := store.Dial(dialCtx, cfg.MongoURL, cfg.MongoDB)
	cancelDial()
	if err != nil {
		logger.Criticalf("database connection failed: %v", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	defaults, err := branches.Defaults()
	if err != nil {
		logger.Criticalf("load default branches: %v", err)
		os.Exit(1)
	}
	if seeded, err := branches.Seed(ctx, dataStore, defaults, false); err != nil {
		logger.Warningf("seed branches: %v", err)
	} else if seeded > 0 {
		logger.Infof("seeded %d branches", seeded)
	}
	if err := authpw.NewService(dataStore).EnsureAdmin(ctx, cfg.AdminEmployeeID, cfg.AdminPassword); err != nil {
		logger.Warningf("bootstrap admin (will retry on next restart): %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := app.Dependencies{
		Store:   dataStore,
		Metrics: app.NewMetrics(registry),
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := journal.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Criticalf("journal connection failed: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := journal.ApplyMigrations(ctx, db, journal.Migrations(cfg.MigrationsDir)); err != nil {
			logger.Criticalf("journal migrations failed: %v", err)
			os.Exit(1)
		}
		deps.Journal = journal.New(db)
		logger.Infof("update journal enabled")
	}

	var bus broadcast.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Infof("using Redis for sessions and broadcast relay")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Criticalf("redis connection failed: %v", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		bus = broadcast.NewRedisBus(redisStore.Client(), broadcastChannel)
	} else {
		logger.Warningf("REDIS_URL not set: sessions are in memory and broadcasts stay on this instance")
		deps.Sessions = session.NewMemoryStore()
		bus = broadcast.NewLocalBus()
	}

	connections := broadcast.NewRegistry(broadcast.RegistryConfig{
		Clock:   clock.WallClock,
		Metrics: broadcast.NewMetrics(registry),
	})
	hub, err := broadcast.NewBroadcaster(ctx, connections, bus, cfg.DownstreamTimeout)
	if err != nil {
		logger.Criticalf("broadcaster: %v", err)
		os.Exit(1)
	}
	defer hub.Close()
	deps.Broadcaster = hub

	worker, err := broadcast.NewWorker(broadcast.WorkerConfig{
		Registry:          connections,
		Clock:             clock.WallClock,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
	})
	if err != nil {
		logger.Criticalf("heartbeat worker: %v", err)
		os.Exit(1)
	}
	defer func() {
		worker.Kill()
		_ = worker.Wait()
	}()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, dataStore, cfg.DownstreamTimeout)
	defer searchService.Close()
	if meiliClient != nil {
		go searchService.ReindexAll(context.Background())
	}
	deps.Search = searchService

	var uploader export.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := export.NewObjectStore(ctx, export.ObjectConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warningf("object storage unavailable, reports download inline: %v", err)
		} else {
			uploader = objects
		}
	}
	deps.Exports = export.NewService(uploader)

	deps.Mailer = email.NewService(email.Config{
		Host:         cfg.SMTPHost,
		Port:         cfg.SMTPPort,
		Username:     cfg.SMTPUsername,
		Password:     cfg.SMTPPassword,
		From:         cfg.SMTPFrom,
		FromName:     cfg.SMTPFromName,
		EscalationTo: cfg.EscalationTo,
	})
	if !deps.Mailer.IsConfigured() {
		logger.Infof("SMTP not configured: escalation mail disabled")
	}

	service, err := app.New(cfg, deps)
	if err != nil {
		logger.Criticalf("service: %v", err)
		os.Exit(1)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	httpServer.EnableMetrics(registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(httpServer.Handler(), "loanops-api"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Infof("loan operations API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Criticalf("server failed: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Closing the registry first ends open event streams so Shutdown can drain.
	connections.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warningf("tracing shutdown: %v", err)
	}
}
