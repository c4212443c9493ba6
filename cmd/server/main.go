package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ebookmarket/internal/app"
	"ebookmarket/internal/config"
	"ebookmarket/internal/server"
	"ebookmarket/internal/util"
	"ebookmarket/pkg/mq"
	"ebookmarket/pkg/payment"
	"ebookmarket/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	paymentTimeout, err := config.ParseDuration("paymentTimeout", cfg.PaymentTimeout)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	pendingTTL, err := config.ParseDuration("pendingPurchaseTTL", cfg.PendingPurchaseTTL)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	reconcilerInterval, err := config.ParseDuration("reconcilerInterval", cfg.ReconcilerInterval)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}

	var sessions store.SessionStore
	switch cfg.SessionStrategy {
	case "jwt":
		revoker := store.TokenRevoker(nil)
		if cfg.RedisAddr != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		}
		sessions = store.NewJWTSessionStore(cfg.JWTSecret, sessionTTL, revoker)
	default:
		sessions = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, sessionTTL)
	}

	var publisher mq.EventPublisher
	if cfg.AMQPURL != "" {
		pub, err := mq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer pub.Close()
		publisher = pub
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		Sessions:           sessions,
		MinioEndpoint:      cfg.MinioEndpoint,
		MinioAccessKey:     cfg.MinioAccessKey,
		MinioSecretKey:     cfg.MinioSecretKey,
		MinioBucket:        cfg.MinioBucket,
		MinioUseSSL:        cfg.MinioUseSSL,
		Provider:           payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAccessToken, paymentTimeout),
		PaymentCurrency:    cfg.PaymentCurrency,
		PaymentTimeout:     paymentTimeout,
		Publisher:          publisher,
		PublicBaseURL:      cfg.PublicBaseURL,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		AllowedExtensions:  cfg.AllowedExtensions,
		AllowSelfPurchase:  cfg.SelfPurchaseAllowed(),
		PendingPurchaseTTL: pendingTTL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		CheckoutRateLimitPerMinute: cfg.CheckoutRateLimitPerMinute,
		TrustedProxies:             cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := appCore.RunReconciler(ctx, reconcilerInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
