package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/manpreetbhatti/padshare/internal/api"
	"github.com/manpreetbhatti/padshare/internal/app"
	"github.com/manpreetbhatti/padshare/internal/bus"
	"github.com/manpreetbhatti/padshare/internal/db"
	"github.com/manpreetbhatti/padshare/internal/files"
	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/ratelimit"
	"github.com/manpreetbhatti/padshare/internal/room"
	"github.com/manpreetbhatti/padshare/internal/snapshot"
	"github.com/manpreetbhatti/padshare/internal/storage"
	"github.com/manpreetbhatti/padshare/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server.exit", "err", err)
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg app.Config, log *slog.Logger) (db.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		if cfg.PGURL == "" {
			return nil, errors.New("PG_URL is required for DB_DRIVER=postgres")
		}
		return db.NewPostgres(ctx, cfg.PGURL, cfg.PGMaxConn, log)
	case "sqlite", "":
		return db.NewSQLite(cfg.DBPath, log)
	default:
		return nil, errors.New("unknown DB_DRIVER " + cfg.DBDriver)
	}
}

func run(ctx context.Context, cfg app.Config, log *slog.Logger) error {
	database, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := storage.NewFS(cfg.UploadDir)
	if err != nil {
		return err
	}

	var roomBus ws.Bus
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, log)
		if err != nil {
			return err
		}
		defer rb.Close()
		roomBus = rb
	}

	registry := room.NewRegistry(snapshot.Loader(database))

	hub := ws.NewHub(log, registry, roomBus, ws.Options{
		MaxTextBytes:      cfg.MaxTextBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})
	go hub.Run(ctx)

	snapshots := snapshot.New(registry, database, snapshot.Config{
		Interval:     cfg.FlushInterval,
		SaveDeadline: snapshot.DefaultConfig().SaveDeadline,
	}, log)
	snapshots.Start()
	defer snapshots.Stop()

	limiter := ratelimit.NewIPLimiters(cfg.HTTPRequestsPerMinute)
	defer limiter.Stop()

	coord := files.New(store, hub, database, cfg.MaxUploadBytes, log)
	handler := api.New(hub, registry, coord, database, log).Routes(api.RouterConfig{
		CORSAllow: cfg.CORSAllow,
		Limiter:   limiter,
		Metrics:   metrics.NewHTTP(prometheus.DefaultRegisterer),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start",
			"addr", cfg.HTTPAddr,
			"db", cfg.DBDriver,
			"uploads", store.Root(),
			"bus", roomBus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
