package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ErlanBelekov/stockorder/config"
	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/events"
	"github.com/ErlanBelekov/stockorder/internal/health"
	ctxlog "github.com/ErlanBelekov/stockorder/internal/log"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/ErlanBelekov/stockorder/internal/parser"
	"github.com/ErlanBelekov/stockorder/internal/siteconfig"
	httptransport "github.com/ErlanBelekov/stockorder/internal/transport/http"
	"github.com/ErlanBelekov/stockorder/internal/transport/http/handler"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sites, err := siteconfig.NewStore(cfg.SitesFile, parser.SiteKeys(), logger)
	if err != nil {
		log.Fatalf("site config: %v", err)
	}

	client, err := upstream.NewClient(cfg.Upstream(), logger)
	if err != nil {
		log.Fatalf("upstream client: %v", err)
	}

	deps := []health.Dependency{{Name: "upstream", Pinger: client}}
	var observers []orchestrator.Observer

	var publisher *events.NATSPublisher
	if cfg.NATSURL != "" {
		publisher, err = events.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		observers = append(observers, publisher)
		deps = append(deps, health.Dependency{Name: "nats", Pinger: publisher})
	}

	orch := orchestrator.New(client, sites, cfg.Orchestrator(), logger, observers...)

	sweeper, err := orchestrator.NewSweeper(orch, cfg.SweepSchedule, logger)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}

	p := parser.New(parser.Options{DefaultSite: domain.SiteKey(cfg.DefaultSite)})
	jobHandler := handler.NewJobHandler(orch, p, sites, logger)
	searchHandler := handler.NewSearchHandler(client, logger)

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer, deps...)

	srv := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httptransport.NewRouter(logger, jobHandler, searchHandler, []byte(cfg.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	var wg sync.WaitGroup
	wg.Go(func() { sweeper.Start(ctx) })
	wg.Go(func() { reloadOnHangup(ctx, sites, logger) })

	go func() {
		logger.Info("server started", "port", cfg.Port, "auth", cfg.JWTSecret != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	// Closing the orchestrator first ends every event stream, so Shutdown
	// does not wait on open SSE connections.
	orch.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	wg.Wait()
	if publisher != nil {
		publisher.Close()
	}
	logger.Info("shutdown complete")
}

// reloadOnHangup re-reads the sites file on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, sites *siteconfig.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading site config")
			_ = sites.Reload() // Reload logs and keeps the previous table
		}
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
