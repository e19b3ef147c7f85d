package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/terrain-backend/internal/data/db"
	"github.com/yungbote/terrain-backend/internal/observability"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/platform/redisbus"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Metrics  *observability.Metrics
	Repos    Repos
	Clients  Clients
	Services Services

	pg           *db.PostgresService
	shutdownOtel func(context.Context) error
	cancel       context.CancelFunc
}

// New connects to every backing service and wires the pipeline. Nothing
// runs in the background until Start.
func New(ctx context.Context, cfg Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log.Info("Starting terrain backend", "config", cfg.String())

	shutdownOtel := observability.InitOTel(ctx, log, cfg.Otel())
	metrics := observability.NewMetrics()

	pg, err := db.NewPostgresService(log, cfg.Postgres())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if cfg.DBAutoMigrate {
		if err := db.AutoMigrateAll(pg.DB()); err != nil {
			_ = pg.Close()
			log.Sync()
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
	}
	theDB := pg.DB()

	reposet := wireRepos(theDB, log)

	clientset, err := wireClients(ctx, log, metrics, cfg)
	if err != nil {
		_ = pg.Close()
		log.Sync()
		return nil, err
	}

	serviceset, err := wireServices(ctx, log, metrics, cfg, reposet, clientset)
	if err != nil {
		clientset.Close()
		_ = pg.Close()
		log.Sync()
		return nil, err
	}

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Metrics:      metrics,
		Repos:        reposet,
		Clients:      clientset,
		Services:     serviceset,
		pg:           pg,
		shutdownOtel: shutdownOtel,
	}, nil
}

// Start launches the background loops: download worker, ready-broadcast
// forwarder, metrics endpoint and pool stats.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Cfg.MetricsAddr != "" {
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB, a.Cfg.PostgresStatsInterval)
	}

	if bus := a.Clients.TileBus; bus != nil {
		index := a.Services.TileIndex
		self := a.Cfg.InstanceID
		if err := bus.StartForwarder(ctx, func(m redisbus.TileReady) {
			if m.Sender == self {
				return
			}
			index.Add(m.TileKey)
		}); err != nil {
			return fmt.Errorf("start tile bus forwarder: %w", err)
		}
	}

	if a.Services.DownloadWorker != nil {
		a.Services.DownloadWorker.Start(ctx)
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Clients.Close()
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.shutdownOtel != nil {
		if err := a.shutdownOtel(context.Background()); err != nil && a.Log != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
