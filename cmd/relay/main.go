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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"livesync/internal/config"
	"livesync/internal/logger"
	"livesync/internal/relay"
	"livesync/internal/storage"
)

func setupDependencies(ctx context.Context, cfg config.Relay) (*gorm.DB, *redis.Client, error) {
	if cfg.PostgresDSN == "" {
		return nil, nil, errors.New("relay.postgresDsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	// Redis is only needed when several relay processes share topics.
	if cfg.RedisAddr == "" {
		return db, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return db, rdb, nil
}

func main() {
	addr := pflag.String("addr", "", "listen address (overrides relay.addr)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}
	log := logger.Init(cfg.Logging.LoggerConfig("relay"))

	if err := run(cfg.Relay, log); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Relay, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		return errors.New("relay.jwtSecret is required")
	}
	auth, err := relay.NewAuth(cfg.JWTSecret, 0)
	if err != nil {
		return err
	}

	db, rdb, err := setupDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	s := storage.NewStorageService(db, rdb, cfg.FanoutPrefix)
	if err := s.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("database ready", "fanout", s.Fanout())

	hub := relay.NewHub(s, s.Fanout(), log)
	if s.Fanout() {
		hub.StartPubSubListener(ctx, s.Subscribe(ctx))
	}
	go hub.Run(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	relay.NewHandler(hub, s, auth, log).Register(r)

	server := &http.Server{
		Addr:           cfg.Addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("relay stopped")
	return nil
}
