// Package app contains the core marketplace logic: accounts, listings,
// checkout and entitlements.
package app

import (
	"fmt"
	"time"

	"ebookmarket/pkg/mq"
	"ebookmarket/pkg/payment"
	"ebookmarket/pkg/storage"
	"ebookmarket/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore

	Sessions store.SessionStore

	Provider        payment.Provider
	PaymentCurrency string
	PaymentTimeout  time.Duration

	Publisher mq.EventPublisher

	PublicBaseURL     string
	MaxUploadBytes    int64
	AllowedExtensions []string
	AllowSelfPurchase bool

	PendingPurchaseTTL time.Duration
}

// App is the core application service wiring together storage, payments and
// domain logic.
type App struct {
	store     store.Store
	sessions  store.SessionStore
	objects   storage.ObjectStore
	provider  payment.Provider
	publisher mq.EventPublisher

	currency          string
	paymentTimeout    time.Duration
	publicBaseURL     string
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	allowSelfPurchase bool
	pendingTTL        time.Duration
	presignExpiry     time.Duration
}

// New constructs the application. Store and object storage default to the
// Postgres and MinIO implementations when not injected.
func New(cfg Config) (*App, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("payment provider required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{"pdf", "epub"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[normalizeExtension(ext)] = struct{}{}
	}

	currency := cfg.PaymentCurrency
	if currency == "" {
		currency = "USD"
	}
	paymentTimeout := cfg.PaymentTimeout
	if paymentTimeout <= 0 {
		paymentTimeout = 10 * time.Second
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 64 << 20
	}
	pendingTTL := cfg.PendingPurchaseTTL
	if pendingTTL <= 0 {
		pendingTTL = time.Hour
	}

	return &App{
		store:             dataStore,
		sessions:          cfg.Sessions,
		objects:           objects,
		provider:          cfg.Provider,
		publisher:         cfg.Publisher,
		currency:          currency,
		paymentTimeout:    paymentTimeout,
		publicBaseURL:     cfg.PublicBaseURL,
		maxUploadBytes:    maxUpload,
		allowedExtensions: allowed,
		allowSelfPurchase: cfg.AllowSelfPurchase,
		pendingTTL:        pendingTTL,
		presignExpiry:     15 * time.Minute,
	}, nil
}

// MaxUploadBytes reports the configured upload cap for HTTP body limiting.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}
