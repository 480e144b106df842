package main

import (
	"context"
	"fmt"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/client"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/config"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/database"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/platform"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/services"
)

// app is one device profile: every continuity component over a shared store.
type app struct {
	api           *client.Client
	auth          *services.AuthService
	monitor       *services.NetworkMonitor
	queue         *services.MutationQueue
	registry      *services.DeviceRegistry
	notifications *services.NotificationStore
	engine        *services.SyncEngine
	channel       *services.RealtimeChannel

	closeStore func()
}

func newApp(ctx context.Context, cfg *config.Config, onLogout func(error)) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{closeStore: closeStore}
	a.api = client.New(cfg.APIBaseURL, cfg.AuthToken, cfg.RequestTimeout)
	a.auth = services.NewAuthService(models.Account{UserID: cfg.UserID, Token: cfg.AuthToken}, onLogout)
	a.auth.Subscribe(a.api)

	caps := platform.Host{}
	a.monitor = services.NewNetworkMonitor(caps, a.api, cfg.ProbeInterval)
	a.queue = services.NewMutationQueue(ctx, repositories.NewKVMutationRepository(store))
	a.registry = services.NewDeviceRegistry(a.api, repositories.NewKVDeviceRepository(store), repositories.NewMemoryPresenceRepository(0), caps)
	a.notifications = services.NewNotificationStore(ctx, repositories.NewKVNotificationRepository(store), caps, cfg.NotificationCap)
	a.engine = services.NewSyncEngine(
		a.api, a.queue, repositories.NewKVStateRepository(store),
		a.registry, a.monitor, a.auth,
		services.SyncOptions{Interval: cfg.SyncInterval, RequestTimeout: cfg.RequestTimeout},
	)

	deviceCtx := context.WithoutCancel(ctx)
	a.channel = services.NewRealtimeChannel(services.ConnectionOptions{
		BaseURL:     cfg.RealtimeURL,
		Backoff:     services.NewBackoffPolicy(cfg.Backoff, cfg.ReconnectDelay),
		MaxAttempts: cfg.MaxReconnectAttempts,
		DialTimeout: cfg.RequestTimeout,
		Auth:        a.auth,
		DeviceID:    func() string { return a.registry.GetOrCreateDeviceID(deviceCtx) },
	}, cfg.Endpoints, a.notifications)
	a.channel.Route(a.registry, a.engine)
	return a, nil
}

// Close tears down push connections, notification timers and the store.
func (a *app) Close() {
	a.channel.Close()
	a.closeStore()
}

// openStore builds the key-value store named by STORE_DRIVER, namespaced and
// optionally encrypted at rest.
func openStore(ctx context.Context, cfg *config.Config) (repositories.KeyValueStore, func(), error) {
	var (
		base    repositories.KeyValueStore
		closeFn = func() {}
	)

	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := repositories.NewSQLiteKVStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		base, closeFn = store, func() { db.Close() }
	case "redis":
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		base, closeFn = repositories.NewRedisKVStore(rdb), func() { rdb.Close() }
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := repositories.NewPostgresKVStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		base, closeFn = store, pool.Close
	default:
		base = repositories.NewMemoryKVStore()
	}

	var store repositories.KeyValueStore = repositories.NewNamespacedStore(base, cfg.StoreNamespace)
	if cfg.EncryptionKey != "" {
		key, err := repositories.ParseEncryptionKey(cfg.EncryptionKey)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("invalid STORE_ENCRYPTION_KEY: %w", err)
		}
		encrypted, err := repositories.NewEncryptedStore(store, key)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		store = encrypted
	}
	return store, closeFn, nil
}
