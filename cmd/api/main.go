package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"herfa/api/internal/app"
	"herfa/api/internal/config"
	"herfa/api/internal/email"
	"herfa/api/internal/realtime"
	"herfa/api/internal/search"
	"herfa/api/internal/session"
	"herfa/api/internal/storage"
	"herfa/api/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("HERFA_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	opts := app.Options{Logger: logger}
	var broker realtime.Broker

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for refresh sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		opts.Sessions = redisStore

		if cfg.ChatBroker == config.BrokerRedis {
			broker = realtime.NewRedisBroker(redisStore.Client(), "", logger)
		}
	} else {
		logger.Info("using postgres for refresh sessions")
	}
	if broker == nil {
		local := realtime.NewLocalBroker(logger)
		defer local.Close()
		broker = local
	}
	opts.Feed = broker

	switch cfg.ChatFeedSource {
	case config.FeedSourceNotify:
		listener := realtime.NewListener(cfg.DatabaseURL, broker, logger)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("chat listener stopped", slog.Any("err", err))
			}
		}()
	case config.FeedSourceDirect:
		opts.Publisher = broker
	}
	logger.Info("chat feed", slog.String("source", cfg.ChatFeedSource), slog.String("broker", cfg.ChatBroker))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	var primary search.Engine
	if meiliClient != nil {
		primary = meiliClient
	}
	opts.Search = search.NewService(primary, search.NewPgFTS(db), logger)
	go func() {
		profiles, err := dataStore.ListProfessionals(ctx)
		if err != nil {
			logger.Warn("load professionals for reindex", slog.Any("err", err))
			return
		}
		opts.Search.Reindex(profiles)
	}()

	if cfg.StorageEnabled() {
		avatars, err := storage.NewMinioAvatars(ctx, storage.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
			MaxBytes:  cfg.MaxAvatarBytes,
		})
		if err != nil {
			return err
		}
		opts.Avatars = avatars
	} else {
		logger.Info("avatar storage disabled")
	}

	if cfg.EmailEnabled() {
		opts.Mailer = email.NewService(email.Config{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			FromName:   cfg.SMTPFromName,
			AppBaseURL: cfg.AppBaseURL,
		})
	} else {
		logger.Info("email notifications disabled")
	}

	service := app.New(cfg, dataStore, opts)
	defer service.Wait()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("herfa api listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", slog.Any("err", err))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
