package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/coordinator"
	"apparel/catalog/internal/fetcher"
	"apparel/catalog/internal/integrator"
	"apparel/catalog/internal/metrics"
	"apparel/catalog/internal/proxy"
	"apparel/catalog/internal/queue"
	"apparel/catalog/internal/repository"
	"apparel/catalog/internal/service"
	"apparel/catalog/internal/state"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Container holds all initialized components
type Container struct {
	Config      *config.Config
	Metrics     *metrics.Metrics
	Store       *repository.Store
	Queue       *queue.RedisQueue
	Coordinator *coordinator.Coordinator
	Integrator  *integrator.Integrator

	Service *service.Service

	redis *redis.Client
}

// New creates a new container with all dependencies initialized
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Metrics: metrics.New(),
	}

	store, err := openStore(ctx, cfg, c.Metrics)
	if err != nil {
		return nil, err
	}
	c.Store = store

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	c.redis = rdb
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("✅ Connected to Redis successfully")

	c.Queue, err = queue.NewRedisQueue(ctx, rdb, cfg.Redis)
	if err != nil {
		c.Close()
		return nil, err
	}
	stateManager := state.NewRedisStateManager(rdb)

	fetchers, err := newFetchers(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Coordinator = coordinator.New(coordinator.OptionsFromConfig(cfg.Coordinator), fetchers, c.Store, c.Metrics)
	c.Integrator = integrator.New(integrator.OptionsFromConfig(cfg.Integrator), c.Metrics)

	c.Service = service.NewService(
		service.OptionsFromConfig(cfg, consumerName()),
		service.PlansFromConfig(cfg),
		c.Coordinator,
		c.Integrator,
		c.Store,
		c.Queue,
		stateManager,
		c.Metrics,
	)
	return c, nil
}

// Restore loads a backup archive into the database. Only Postgres is
// opened; Redis and the platforms are never contacted.
func Restore(ctx context.Context, cfg *config.Config, source string) error {
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("backup archive: %w", err)
	}
	store, err := openStore(ctx, cfg, metrics.New())
	if err != nil {
		return err
	}
	defer store.Close()

	log.Infof("♻️ Restoring database from %s", source)
	if err := store.RestoreBackup(ctx, source); err != nil {
		return err
	}
	log.Info("✅ Restore finished")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*repository.Store, error) {
	pool, err := repository.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	store := repository.New(pool, cfg.Database.AcquireTimeout, m)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func newFetchers(ctx context.Context, cfg *config.Config) ([]fetcher.Fetcher, error) {
	var fetchers []fetcher.Fetcher
	if cfg.Marketplace.Enabled {
		proxies := proxy.NewSupplier(ctx, cfg.Marketplace.Proxies, cfg.Marketplace.BaseURL)
		marketplace, err := fetcher.NewMarketplace(cfg.Marketplace, proxies)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize marketplace fetcher: %w", err)
		}
		fetchers = append(fetchers, marketplace)
	}
	if cfg.VideoPlatform.Enabled {
		proxies := proxy.NewSupplier(ctx, cfg.VideoPlatform.Proxies, cfg.VideoPlatform.BaseURL)
		fetchers = append(fetchers, fetcher.NewVideoPlatform(cfg.VideoPlatform, proxies))
	}
	if len(fetchers) == 0 {
		return nil, errors.New("no platform is enabled")
	}
	return fetchers, nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "catalog"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run executes one cycle, or one cycle per schedule interval until ctx is
// cancelled. A failed cycle is logged and the next one still runs.
func (c *Container) Run(ctx context.Context) error {
	interval := c.Config.Schedule.Interval
	if interval <= 0 {
		_, err := c.Service.RunCycle(ctx)
		return err
	}

	log.Infof("⏰ Running a collection cycle every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Service.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("❌ Cycle failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close performs cleanup when shutting down
func (c *Container) Close() error {
	log.Info("Shutting down container...")

	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		c.Store.Close()
	}

	log.Info("Container shut down successfully")
	return errors.Join(errs...)
}
