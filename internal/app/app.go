// Package app wires configuration, storage, the upstream client, ingest
// services, the prerequisite resolver, and the engine into one assembled
// application shared by the worker and the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/config"
	"github.com/briandastous/bdx/pkg/engine"
	"github.com/briandastous/bdx/pkg/ingest"
	"github.com/briandastous/bdx/pkg/logger"
	"github.com/briandastous/bdx/pkg/prereq"
	"github.com/briandastous/bdx/pkg/ratelimit"
	"github.com/briandastous/bdx/pkg/registry"
	"github.com/briandastous/bdx/pkg/storage/postgres"
	"github.com/briandastous/bdx/pkg/storage/postgres/migrations"
	"github.com/briandastous/bdx/pkg/upstream"
)

// App is the assembled application.
type App struct {
	Cfg   *config.Config
	Log   *logger.Logger
	Store *postgres.Store

	Gate     *ratelimit.Gate
	Client   upstream.Client
	Registry *registry.Registry

	Followers  *ingest.FollowersService
	Followings *ingest.FollowingsService
	Posts      *ingest.PostsService
	UsersByIDs *ingest.UsersByIDsService
	PostsByIDs *ingest.PostsByIDsService

	Resolver *prereq.Resolver
	Engine   *engine.Engine
}

// New loads configuration and assembles every component. The caller owns
// Close.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig assembles the application from an already-loaded config.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	entry := log.WithField("component", "app")

	store, err := postgres.Open(ctx, cfg.Database.ConnectionString(), postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations {
		if err := migrations.Up(ctx, store.DB()); err != nil {
			_ = store.Close()
			return nil, err
		}
		entry.Info("migrations applied")
	}

	gate := ratelimit.New(ratelimit.FromQPS(cfg.Upstream.RateLimitQPS))
	client := upstream.NewHTTPClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.BearerToken,
		time.Duration(cfg.Upstream.RequestTimeoutMS)*time.Millisecond,
		gate,
		cfg.Retention.HTTPBodyMaxBytes,
	)

	reg, err := registry.New(registry.All()...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	base := logrus.NewEntry(log.Logger)
	followers := ingest.NewFollowersService(store, client, base)
	followings := ingest.NewFollowingsService(store, client, base)
	posts := ingest.NewPostsService(store, client, base, cfg.Upstream.MaxQueryLength)
	usersByIDs := ingest.NewUsersByIDsService(store, client, base, cfg.Upstream.BatchUsersByIDsMax)
	postsByIDs := ingest.NewPostsByIDsService(store, client, base)

	lockTimeout := time.Duration(cfg.Engine.AdvisoryLockTimeoutMS) * time.Millisecond
	resolver := prereq.New(store, followers, followings, posts, base,
		prereq.WithLockTimeout(lockTimeout))

	eng := engine.New(store, reg, resolver, base,
		engine.WithConcurrency(cfg.Engine.TickConcurrency),
		engine.WithLockTimeout(lockTimeout))

	return &App{
		Cfg:        cfg,
		Log:        log,
		Store:      store,
		Gate:       gate,
		Client:     client,
		Registry:   reg,
		Followers:  followers,
		Followings: followings,
		Posts:      posts,
		UsersByIDs: usersByIDs,
		PostsByIDs: postsByIDs,
		Resolver:   resolver,
		Engine:     eng,
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.Store.Close()
}
