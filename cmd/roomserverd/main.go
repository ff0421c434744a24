// Command roomserverd is a minimal demonstration of wiring every piece
// of the room server core together for a local/dev run: Presence,
// Driver, Stats, the Matchmaker, a reference "chat" room type, and the
// transport/ws adapter behind a tiny HTTP listener. It is not a
// production matchmaking API — see internal/matchmaker for the
// programmatic surface an application's own HTTP layer would call.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/roomserver/internal/audit"
	"github.com/dukepan/roomserver/internal/authtoken"
	"github.com/dukepan/roomserver/internal/config"
	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/matchmaker"
	"github.com/dukepan/roomserver/internal/observability"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/stats"
	"github.com/dukepan/roomserver/internal/utils"
)

func main() {
	cfg := config.Load()

	otelCleanup, err := observability.InitOpenTelemetry("roomserverd", "1.0.0")
	if err != nil {
		log.Fatalf("failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			log.Printf("error shutting down OpenTelemetry: %v", err)
		}
	}()

	logger := utils.NewLogger(cfg.LogLevel)
	ctx := context.Background()
	slogger := logger.WithContext(ctx)

	processID := uuid.NewString()

	pr, err := newPresence(cfg)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize presence: %v", err)
	}

	drv, err := newDriver(cfg, pr)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize driver: %v", err)
	}

	statsRegistry := stats.NewRegistry(pr, drv, processID)
	statsRegistry.IncrementRoomCount(ctx, 0) // publish this process's presence in the fleet hash immediately

	var auditLog *audit.Log
	if cfg.AuditDatabaseURL != "" {
		auditLog, err = audit.NewLog(cfg.AuditDatabaseURL)
		if err != nil {
			logger.Fatal(ctx, "failed to initialize audit log: %v", err)
		}
		defer auditLog.Close()
		if err := auditLog.Record(ctx, audit.EventProcessStart, processID, "roomserverd boot"); err != nil {
			logger.Error(ctx, "audit: record process start: %v", err)
		}
	}

	tokens := authtoken.NewManager([]byte(cfg.AuthTokenSecret))

	mm, err := matchmaker.New(ctx, matchmaker.Config{
		ProcessID:           processID,
		Driver:              drv,
		Presence:            pr,
		IPC:                 ipc.NewBus(pr),
		Stats:               statsRegistry,
		Logger:              slogger,
		ConcurrencyWaitTime: cfg.ConcurrencyCreateWaitTime,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to initialize matchmaker: %v", err)
	}

	defineChatRoom(mm, tokens, auditLog, statsRegistry, processID, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", chatHandler(mm, slogger, cfg.DevMode))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "starting roomserverd on %s (process %s)", server.Addr, processID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(context.Background(), logger, cfg, server, mm, pr, auditLog, processID)
	logger.Info(ctx, "roomserverd stopped")
}

func newPresence(cfg *config.Config) (presence.Presence, error) {
	if cfg.PresenceBackend == "redis" {
		return presence.NewDistributed(cfg.RedisURL)
	}
	opts := []presence.LocalOption{}
	if cfg.DevMode {
		opts = append(opts, presence.WithSnapshot("roomserverd.snapshot.json"))
	}
	return presence.NewLocal(opts...), nil
}

func newDriver(cfg *config.Config, pr presence.Presence) (driver.Driver, error) {
	if cfg.DriverBackend == "redis" {
		return driver.NewDistributed(pr)
	}
	return driver.NewLocal(), nil
}

// gracefulShutdown mirrors §4.8's sequence: drain hosted rooms through
// the matchmaker, close the HTTP listener, and shut Presence down last
// so in-flight IPC replies during room disposal still have somewhere
// to land.
func gracefulShutdown(ctx context.Context, logger *utils.Logger, cfg *config.Config, server *http.Server, mm *matchmaker.Matchmaker, pr presence.Presence, auditLog *audit.Log, processID string) {
	logger.Info(ctx, "shutting down roomserverd")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cfg.GracefullyShutdown {
		if err := mm.GracefullyShutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "matchmaker graceful shutdown error: %v", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown error: %v", err)
	}

	if auditLog != nil {
		if err := auditLog.Record(shutdownCtx, audit.EventProcessStop, processID, "roomserverd shutdown"); err != nil {
			logger.Error(ctx, "audit: record process stop: %v", err)
		}
	}

	if err := pr.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "presence shutdown error: %v", err)
	}
}
