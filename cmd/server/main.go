// Command server starts the LLM gateway HTTP server.
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

	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend"
	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend/local"
	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend/remote"
	httpserver "github.com/fairyhunter13/llm-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-gateway/internal/app"
	"github.com/fairyhunter13/llm-gateway/internal/balancer"
	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/gateway"
	"github.com/fairyhunter13/llm-gateway/internal/logsink"
	"github.com/fairyhunter13/llm-gateway/internal/notify"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/router"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
	"github.com/fairyhunter13/llm-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	desc, err := config.LoadDescriptor(cfg.BackendsFile)
	if err != nil {
		slog.Error("backend descriptor load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Storage driver.
	var (
		store        storage.Store
		storageCheck func(context.Context) error
	)
	switch cfg.StorageDriver {
	case "redis":
		r, err := storage.NewRedis(ctx, cfg.RedisURL, cfg.RedisNamespace)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = r
		storageCheck = r.Ping
	default:
		store = storage.NewMemory(cfg.StorageMaxEntries)
	}
	defer func() { _ = store.Close() }()

	// Request log sink driver.
	var (
		sink      logsink.Sink
		sinkCheck func(context.Context) error
	)
	switch cfg.LogSinkDriver {
	case "postgres":
		ps, err := logsink.NewPostgres(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("postgres sink connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		sink = ps
		sinkCheck = ps.Ping
	case "kafka":
		ks, err := logsink.NewKafka(ctx, cfg.KafkaBrokers, cfg.LogTopic)
		if err != nil {
			slog.Error("kafka sink connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		sink = ks
		sinkCheck = ks.Ping
	default:
		sink = logsink.NewSlog(logger)
	}

	// Backend adapters in descriptor order; order is the routing tiebreaker.
	adapters := make([]backend.Backend, 0, len(desc.Backends))
	for _, bc := range desc.Backends {
		switch bc.Kind {
		case domain.KindLocal:
			adapters = append(adapters, local.New(bc))
		case domain.KindRemote:
			adapters = append(adapters, remote.New(bc))
		}
	}
	reg := backend.NewRegistry(adapters...)
	rt := router.New(reg)

	subs, err := subscription.NewManager(ctx, store, desc.Credentials)
	if err != nil {
		slog.Error("subscription init failed", slog.Any("error", err))
		os.Exit(1)
	}
	sessions := session.NewStore(store)
	tracker := usage.NewTracker(store, subs)
	notifier := notify.New(desc.Notifications)
	bal := balancer.New(subs, sessions, notifier, balancer.Options{
		FallbackEnabled: len(reg.ListAPI()) > 0,
	})
	gw := gateway.New(rt, reg, bal, subs, sessions, tracker, notifier, sink)

	srv := httpserver.NewServer(cfg, gw, reg, subs, sessions, tracker, storageCheck, sinkCheck)
	handler := app.BuildRouter(cfg, srv)

	maintCtx, stopMaintenance := context.WithCancel(ctx)
	maintenance := &app.Maintenance{Cfg: cfg, Sessions: sessions, Balancer: bal}
	go maintenance.Run(maintCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.Int("backends", len(adapters)),
			slog.Int("credentials", len(desc.Credentials)))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Shutdown order: stop accepting requests, stop the background loops,
	// drain accounting, flag the pools, then release the sinks and storage.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stopMaintenance()
	gw.Wait()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		slog.Warn("pool shutdown incomplete", slog.Any("error", err))
	}
	if err := sink.Close(shutdownCtx); err != nil {
		slog.Warn("log sink close failed", slog.Any("error", err))
	}
}
