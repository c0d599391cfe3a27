// Package bootstrap builds the replica set and coordinator from configuration.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/devrev/sitefs/internal/config"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/replica"
	"github.com/devrev/sitefs/internal/service"
	"github.com/devrev/sitefs/internal/store"
	"github.com/devrev/sitefs/internal/util/workerpool"
	"go.uber.org/zap"
)

// System is the wired replica set behind one coordinator
type System struct {
	Coordinator      *service.CoordinatorService
	Replicas         []*replica.Replica
	IdempotencyStore store.IdempotencyStore

	pool        *workerpool.WorkerPool
	stopTimeout time.Duration
	logger      *zap.Logger
}

// Build creates one replica per configured site, seeds them and wires the
// coordinator. A nil seed loads topology.seed_file, or DefaultSeed when no
// seed file is configured.
func Build(cfg *config.Config, seed *Seed, m *metrics.Metrics, logger *zap.Logger) (*System, error) {
	sites, err := cfg.SiteList()
	if err != nil {
		return nil, err
	}

	if seed == nil {
		if cfg.Topology.SeedFile != "" {
			if seed, err = LoadSeed(cfg.Topology.SeedFile); err != nil {
				return nil, err
			}
		} else {
			seed = DefaultSeed()
		}
	}

	sys := &System{
		stopTimeout: cfg.Invalidation.StopTimeout,
		logger:      logger,
	}

	var dispatcher replica.Dispatcher
	switch cfg.Invalidation.Mode {
	case config.InvalidationModeAsync:
		sys.pool = workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "invalidation",
			MaxWorkers: cfg.Invalidation.Workers,
			QueueSize:  cfg.Invalidation.QueueSize,
			Logger:     logger,
		})
		dispatcher = replica.NewPoolDispatcher(sys.pool, m, logger)
	default:
		dispatcher = replica.NewSyncDispatcher(logger)
	}

	bySite := make(map[model.Site]*replica.Replica, len(sites))
	for _, site := range sites {
		r := replica.New(site, dispatcher, m, logger)
		sys.Replicas = append(sys.Replicas, r)
		bySite[site] = r
	}

	if err := applySeed(seed, bySite); err != nil {
		sys.Close()
		return nil, err
	}

	coordinator, err := service.NewCoordinatorService(
		sys.Replicas,
		cfg.PrimaryMap(),
		service.CoordinatorConfig{
			WriteTimeout:    cfg.Replication.WriteTimeout,
			ReadTimeout:     cfg.Replication.ReadTimeout,
			MinQuorum:       cfg.Replication.MinQuorum,
			MaxNameLength:   cfg.Replication.MaxNameLength,
			MaxContentBytes: cfg.Replication.MaxContentBytes,
		},
		m,
		logger,
	)
	if err != nil {
		sys.Close()
		return nil, err
	}
	sys.Coordinator = coordinator

	if cfg.Idempotency.Enabled {
		idemStore, err := newIdempotencyStore(cfg, logger)
		if err != nil {
			sys.Close()
			return nil, err
		}
		sys.IdempotencyStore = idemStore
		coordinator.SetIdempotencyService(
			service.NewIdempotencyService(idemStore, cfg.Idempotency.TTL, logger))
	}

	logger.Info("System bootstrapped",
		zap.Int("replicas", len(sys.Replicas)),
		zap.Int("seed_files", len(seed.Files)),
		zap.String("invalidation_mode", cfg.Invalidation.Mode),
		zap.Bool("idempotency", cfg.Idempotency.Enabled))

	return sys, nil
}

func applySeed(seed *Seed, bySite map[model.Site]*replica.Replica) error {
	for _, f := range seed.Files {
		targets := make([]*replica.Replica, 0, len(bySite))
		if len(f.Sites) == 0 {
			for _, r := range bySite {
				targets = append(targets, r)
			}
		}
		for _, raw := range f.Sites {
			site, err := model.ParseSite(raw)
			if err != nil {
				return fmt.Errorf("seed file %s: %w", f.Name, err)
			}
			r, ok := bySite[site]
			if !ok {
				return fmt.Errorf("seed file %s: unknown site %s", f.Name, site)
			}
			targets = append(targets, r)
		}
		for _, r := range targets {
			r.LoadInitial(f.Name, f.Content, f.Version)
		}
	}
	return nil
}

func newIdempotencyStore(cfg *config.Config, logger *zap.Logger) (store.IdempotencyStore, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		redisStore, err := store.NewRedisIdempotencyStore(store.RedisConfig{
			Addr:      fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return redisStore, nil
	default:
		return store.NewMemoryIdempotencyStore(cfg.Idempotency.MaxEntries, time.Minute, logger), nil
	}
}

// InvalidationPool returns the async dispatch pool, or nil in sync mode
func (s *System) InvalidationPool() *workerpool.WorkerPool {
	return s.pool
}

// Close stops the invalidation pool and releases the idempotency store
func (s *System) Close() {
	if s.pool != nil {
		if err := s.pool.Stop(s.stopTimeout); err != nil {
			s.logger.Warn("Invalidation pool did not drain", zap.Error(err))
		}
	}
	if s.IdempotencyStore != nil {
		if err := s.IdempotencyStore.Close(); err != nil {
			s.logger.Warn("Failed to close idempotency store", zap.Error(err))
		}
	}
}
