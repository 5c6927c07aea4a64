// Command hapass runs the guest access gateway: the upstream event
// connector, the guest/admin HTTP API, and the background cleanup loop.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hapass/internal/audit"
	"github.com/dropDatabas3/hapass/internal/cache"
	"github.com/dropDatabas3/hapass/internal/command"
	"github.com/dropDatabas3/hapass/internal/config"
	"github.com/dropDatabas3/hapass/internal/ha"
	httpserver "github.com/dropDatabas3/hapass/internal/http"
	"github.com/dropDatabas3/hapass/internal/http/handlers"
	"github.com/dropDatabas3/hapass/internal/http/router"
	"github.com/dropDatabas3/hapass/internal/metrics"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/rate"
	"github.com/dropDatabas3/hapass/internal/store/pg"
	migrations "github.com/dropDatabas3/hapass/migrations/postgres"
)

const (
	cleanupInterval = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func main() {
	var (
		flagConfigPath = flag.String("config", "", "path to config.yaml (fallback: $CONFIG_PATH, then configs/config.yaml)")
		flagEnvFile    = flag.String("env-file", ".env", "path to .env (loaded if it exists)")
		flagMigrate    = flag.Bool("migrate", true, "apply pending database migrations on boot")
	)
	flag.Parse()

	if fileExists(*flagEnvFile) {
		if err := godotenv.Load(*flagEnvFile); err == nil {
			log.Printf("dotenv: loaded %s", *flagEnvFile)
		}
	}

	cfgPath := *flagConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		ServiceName: "hapass",
	})
	defer logger.Sync()
	lg := logger.L()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		lg.Fatal("metrics", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	st, err := pg.New(ctx, cfg.Storage.DSN, pg.Tuning{
		MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		lg.Fatal("postgres", zap.Error(err))
	}
	defer st.Close()
	if *flagMigrate {
		if err := st.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
			lg.Fatal("migrations", zap.Error(err))
		}
	}

	cacheClient, err := cache.New(cache.Config{
		Kind:       cfg.Cache.Kind,
		Addr:       cfg.Cache.Redis.Addr,
		DB:         cfg.Cache.Redis.DB,
		Prefix:     cfg.Cache.Redis.Prefix,
		DefaultTTL: cfg.StatesTTL(),
	})
	if err != nil {
		lg.Fatal("cache", zap.Error(err))
	}
	defer cacheClient.Close()

	// ── Upstream ──
	haClient := ha.NewClient(cfg.HomeAssistant.BaseURL, cfg.HomeAssistant.Token, cfg.HTTPTimeout())
	if err := haClient.ValidateConnectivity(ctx); err != nil {
		// Not fatal: the connector retries, and the REST client retries
		// per call. Boot should survive an upstream restart.
		lg.Warn("home assistant unreachable at boot", zap.Error(err))
	}
	states := ha.NewStatesCache(haClient, cacheClient, cfg.StatesTTL())

	registry := ha.NewRegistry(st, cfg.HomeAssistant.QueueSize)
	connector, err := ha.NewConnector(ha.ConnectorConfig{
		BaseURL:      cfg.HomeAssistant.BaseURL,
		Token:        cfg.HomeAssistant.Token,
		PingInterval: cfg.PingInterval(),
		BackoffInit:  cfg.BackoffInit(),
		BackoffMax:   cfg.BackoffMax(),
	}, registry)
	if err != nil {
		lg.Fatal("connector", zap.Error(err))
	}
	connector.Start()

	// ── Guest command path ──
	limiter := rate.NewSlidingWindow()
	auditor := audit.NewRecorder(st)
	pipeline := command.NewPipeline(command.Config{
		CommandRPM:        cfg.Rate.CommandRPM,
		AllowedServices:   cfg.Guest.AllowedServices,
		ForbiddenDataKeys: cfg.Guest.ForbiddenDataKeys,
	}, limiter, st, haClient, auditor)

	// ── HTTP ──
	handler := router.New(router.Deps{
		Guest: &handlers.Guest{
			Tokens:   st,
			Registry: registry,
			States:   states,
			Pipeline: pipeline,
			Auditor:  auditor,
			Healthy:  connector.Healthy,
		},
		Admin: &handlers.Admin{
			Cfg:      cfg,
			Store:    st,
			Registry: registry,
			HA:       haClient,
			Limiter:  limiter,
		},
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		DBPing:             func() error { return st.Ping(ctx) },
		WSHealthy:          connector.Healthy,
	})
	srv := httpserver.NewServer(cfg.Server.Addr, handler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Drain the server once a signal arrives or any group member fails.
	g.Go(func() error {
		<-gctx.Done()
		return httpserver.Shutdown(srv, shutdownTimeout)
	})

	g.Go(func() error {
		limiter.RunCleanup(gctx, cleanupInterval)
		return nil
	})

	g.Go(func() error {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := st.CleanupOldData(gctx, cfg.Retention.AccessLogDays); err != nil {
					lg.Warn("cleanup", zap.Error(err))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		lg.Error("shutdown", zap.Error(err))
	}
	if err := connector.Stop(5 * time.Second); err != nil {
		lg.Warn("connector stop", zap.Error(err))
	}
	lg.Info("bye")
}
