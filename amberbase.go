// Package amberbase assembles the document sync and channel engines, the
// realtime endpoint and the session issuer into one embeddable application.
package amberbase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/amberbase/amberbase/auth"
	"github.com/amberbase/amberbase/channels"
	"github.com/amberbase/amberbase/collections"
	"github.com/amberbase/amberbase/config"
	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/logging"
	"github.com/amberbase/amberbase/server"
	"github.com/amberbase/amberbase/storage"
	"go.uber.org/zap"
)

var (
	errMissingConfig = errors.New("configuration must be provided before Create")
	errDuplicateName = errors.New("name already registered")
)

// Builder accumulates the collections, channels and configuration of an
// application before it is materialized with Create.
type Builder struct {
	appConfig   *config.AppConfig
	logger      *zap.Logger
	collections map[string]collections.Settings
	channels    map[string]channels.Settings
	err         error
}

// New starts a builder. Register collections and channels, provide a
// configuration, then call Create.
func New() *Builder {
	return &Builder{
		collections: make(map[string]collections.Settings),
		channels:    make(map[string]channels.Settings),
	}
}

// WithConfig sets the runtime configuration.
func (b *Builder) WithConfig(appConfig config.AppConfig) *Builder {
	b.appConfig = &appConfig
	return b
}

// WithLogger overrides the logger built from the configured log level.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithCollection registers a synchronized document collection.
func (b *Builder) WithCollection(name string, settings collections.Settings) *Builder {
	if b.err == nil {
		if _, exists := b.collections[name]; exists {
			b.err = fmt.Errorf("collection %q: %w", name, errDuplicateName)
		} else {
			b.collections[name] = settings
		}
	}
	return b
}

// WithChannel registers an ephemeral message channel.
func (b *Builder) WithChannel(name string, settings channels.Settings) *Builder {
	if b.err == nil {
		if _, exists := b.channels[name]; exists {
			b.err = fmt.Errorf("channel %q: %w", name, errDuplicateName)
		} else {
			b.channels[name] = settings
		}
	}
	return b
}

// App is the assembled application. Collections and Channels expose the
// embedding APIs, Sessions mints tokens for authenticated users and Handler
// serves the realtime endpoint.
type App struct {
	Config      config.AppConfig
	Logger      *zap.Logger
	Registry    *connection.Registry
	Collections *collections.Engine
	Channels    *channels.Engine
	Sessions    *auth.SessionIssuer
	Handler     http.Handler

	close func() error
}

// Create opens the database, wires the engines into a shared connection
// registry and builds the HTTP surface.
func (b *Builder) Create() (*App, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.appConfig == nil {
		return nil, errMissingConfig
	}
	appConfig := *b.appConfig

	logger := b.logger
	if logger == nil {
		builtLogger, err := logging.NewLogger(appConfig.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = builtLogger
	}

	db, err := storage.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLStore(storage.Config{
		Database:   db,
		Clock:      time.Now,
		IDProvider: storage.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, err
	}

	registry := connection.NewRegistry(logger)

	collectionEngine, err := collections.NewEngine(collections.EngineConfig{
		Store:       store,
		Registry:    registry,
		Collections: b.collections,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, err
	}

	channelEngine, err := channels.NewEngine(channels.EngineConfig{
		Registry: registry,
		Channels: b.channels,
		Logger:   logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, err
	}

	registry.RegisterHandler(collectionEngine)
	registry.RegisterHandler(channelEngine)

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "amberbase",
		Audience:      "amberbase-realtime",
		SessionTTL:    appConfig.SessionTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Registry:       registry,
		Collections:    collectionEngine,
		Channels:       channelEngine,
		IdleTimeout:    appConfig.IdleTimeout,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, err
	}

	return &App{
		Config:      appConfig,
		Logger:      logger,
		Registry:    registry,
		Collections: collectionEngine,
		Channels:    channelEngine,
		Sessions:    sessions,
		Handler:     handler,
		close:       sqlDB.Close,
	}, nil
}

// Close releases the database handle. Run calls it on shutdown; embedders
// that never call Run should call Close themselves.
func (a *App) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Run serves the HTTP surface until the context is cancelled or a termination
// signal arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    a.Config.HTTPAddress,
		Handler: a.Handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.Close() //nolint:errcheck

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("server starting", zap.String("address", a.Config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
