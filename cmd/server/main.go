// Command collab-server starts the BIM collaboration HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/redis/go-redis/v9"

	"github.com/arx-os/bim-collab/internal/collab"
	"github.com/arx-os/bim-collab/internal/limiter"
	"github.com/arx-os/bim-collab/internal/migrate"
	"github.com/arx-os/bim-collab/internal/repository"
	"github.com/arx-os/bim-collab/internal/repository/postgres"
	"github.com/arx-os/bim-collab/internal/server/httpapi"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the HTTP server.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN for the version archive (empty disables archiving)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the event stream (empty disables WebSocket events)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	queueSize := flag.Int("queue-size", 1024, "change queue capacity")
	cadence := flag.Int("version-cadence", 10, "applied changes per automatic version fold")
	rateWindow := flag.Duration("rate-window", time.Minute, "rate limit window per change type")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Version archive (optional)
	var versionRepo repository.VersionRepository
	if *dsn != "" {
		if err := migrate.Up(ctx, *dsn); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, *dsn)
		if err != nil {
			logger.Fatal("postgres.New", zap.Error(err))
		}
		defer db.Close()
		versionRepo = postgres.NewVersionRepo(db)
	} else {
		logger.Warn("no dsn configured, version archiving disabled")
	}

	// Event broadcast (optional)
	var rdb *redis.Client
	var bc *httpapi.Broadcaster
	if *redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer func() { _ = rdb.Close() }()
		bc = httpapi.NewBroadcaster(rdb, logger)
	} else {
		logger.Warn("no redis configured, event stream disabled")
	}

	// Engine
	engine := collab.New(collab.NewSessionStore(), logger, collab.Config{
		QueueSize:      *queueSize,
		VersionCadence: *cadence,
	})
	engine.Start()

	// Event dispatcher: archives folded versions and relays events to Redis.
	// Uses a background context so versions folded during shutdown still land.
	evDone := make(chan struct{})
	go func() {
		defer close(evDone)
		for ev := range engine.Events() {
			if versionRepo != nil && ev.Type == collab.EventVersionCreated && ev.Version != nil {
				if err := versionRepo.SaveVersion(context.Background(), ev.SessionID, ev.ModelID, ev.Version); err != nil {
					logger.Error("archive version",
						zap.String("session_id", ev.SessionID.String()),
						zap.Error(err),
					)
				}
			}
			if bc != nil {
				bc.Publish(context.Background(), ev)
			}
		}
	}()

	srv := httpapi.NewServer(engine, limiter.NewMemory(*rateWindow), versionRepo, rdb, logger, []byte(*jwtKey))
	hs := &http.Server{Addr: *addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- hs.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shCtx); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			engine.Close()
			os.Exit(1)
		}
	}

	// Drain the worker and event stream before exit.
	engine.Close()
	<-evDone

	logger.Info("shutdown complete")
}
