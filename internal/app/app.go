package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nroduit/viewer-hub-sub002/internal/adapters"
	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/config"
	"github.com/nroduit/viewer-hub-sub002/internal/database"
	"github.com/nroduit/viewer-hub-sub002/internal/manifest"
	"github.com/nroduit/viewer-hub-sub002/internal/metrics"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"github.com/nroduit/viewer-hub-sub002/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// App holds the components shared by the server and the CLI
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Store    cache.Store
	Archives repository.ArchiveSource
	Factory  *adapters.Factory
	Metrics  *metrics.Metrics
	Service  *services.ManifestService
	// Audits is nil when build auditing is off
	Audits *repository.AuditRepository

	file *repository.FileArchiveSource
}

// New wires the components described by cfg. reg receives the collectors;
// nil uses the default registerer.
func New(cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg}

	if cfg.Database.Enabled {
		db, err := database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		})
		if err != nil {
			return nil, err
		}
		a.DB = db
	}

	if err := a.initStore(); err != nil {
		a.Close()
		return nil, err
	}

	a.Factory = adapters.NewFactory()

	switch cfg.Archives.Source {
	case "database":
		a.Archives = repository.NewArchiveRepository(a.DB)
		log.Info().Msg("Archives read from the database")
	default:
		file, err := repository.NewFileArchiveSource(cfg.Archives.File)
		if err != nil {
			a.Close()
			return nil, err
		}
		// connectors of edited or removed archives are closed
		file.OnChange(func(names []string) {
			for _, name := range names {
				if err := a.Factory.Remove(name); err != nil {
					log.Warn().Err(err).Str("archive", name).Msg("Failed to close connector")
				}
			}
		})
		a.file = file
		a.Archives = file
	}

	a.Metrics = metrics.New(reg)

	var audits services.AuditWriter
	if cfg.Audit.Enabled && a.DB != nil {
		a.Audits = repository.NewAuditRepository(a.DB)
		audits = a.Audits
	}

	dispatcher := manifest.NewDispatcher(a.Factory, a.Metrics, manifest.DispatcherConfig{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
	})
	coordinator := cache.NewCoordinator(a.Store, a.Metrics, cache.CoordinatorConfig{
		TTL:          cfg.Cache.TTL,
		BuildTimeout: cfg.Cache.BuildTimeout,
		WaitTimeout:  cfg.Cache.WaitTimeout,
	})

	a.Service = services.NewManifestService(a.Archives, a.Factory, dispatcher, coordinator, audits, a.Metrics)
	return a, nil
}

func (a *App) initStore() error {
	cfg := a.Config.Cache
	if !cfg.Enabled {
		log.Info().Msg("Manifest cache disabled, concurrent builds are still shared")
		return nil
	}

	if cfg.Type == "redis" {
		store, err := cache.NewRedisStore(a.Config.Redis.Addr(), a.Config.Redis.Password, a.Config.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Store = store
		log.Info().Str("addr", a.Config.Redis.Addr()).Msg("Redis cache initialized")
		return nil
	}

	a.Store = cache.NewMemoryStore(cfg.CleanupInterval)
	log.Info().Msg("Memory cache initialized")
	return nil
}

// Watch reloads the archive file on change until ctx ends. It returns
// immediately when archives do not come from a watched file.
func (a *App) Watch(ctx context.Context) error {
	if a.file == nil || !a.Config.Archives.Watch {
		return nil
	}
	return a.file.Watch(ctx)
}

// Close releases connectors, the cache store and the database
func (a *App) Close() error {
	var errs []error
	if a.Factory != nil {
		errs = append(errs, a.Factory.CloseAll())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.DB != nil {
		errs = append(errs, database.Close(a.DB))
	}
	return errors.Join(errs...)
}
