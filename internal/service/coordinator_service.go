package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/sitefs/internal/algorithm"
	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/replica"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWriteTimeout    = 5 * time.Second
	defaultReadTimeout     = 2 * time.Second
	defaultMaxNameLength   = 255
	defaultMaxContentBytes = 1 << 20
)

// CoordinatorConfig holds coordinator tunables
type CoordinatorConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MinQuorum       int
	MaxNameLength   int
	MaxContentBytes int
}

// CoordinatorService routes reads to the nearest available replica and
// commits writes through each file's primary once a quorum of sites is up.
type CoordinatorService struct {
	sites       []model.Site
	replicas    map[model.Site]*replica.Replica
	primaries   map[string]model.Site
	quorum      *algorithm.QuorumCalculator
	idempotency *IdempotencyService
	cfg         CoordinatorConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// WriteResult represents the result of a write operation
type WriteResult struct {
	Success      bool         `json:"success"`
	File         string       `json:"file"`
	Version      uint64       `json:"version,omitempty"`
	Primary      model.Site   `json:"primary,omitempty"`
	Available    int          `json:"available"`
	Required     int          `json:"required"`
	Updated      []model.Site `json:"updated,omitempty"`
	Skipped      []model.Site `json:"skipped,omitempty"`
	IsDuplicate  bool         `json:"is_duplicate,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`
}

// NewCoordinatorService creates a coordinator over replicas, in the order
// given. That order is the fallback order for reads. Every site named in
// primaries must have a replica.
func NewCoordinatorService(
	replicas []*replica.Replica,
	primaries map[string]model.Site,
	cfg CoordinatorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*CoordinatorService, error) {
	if len(replicas) == 0 {
		return nil, errors.Configuration("at least one replica is required", nil)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = defaultMaxNameLength
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}

	s := &CoordinatorService{
		sites:     make([]model.Site, 0, len(replicas)),
		replicas:  make(map[model.Site]*replica.Replica, len(replicas)),
		primaries: make(map[string]model.Site, len(primaries)),
		quorum:    algorithm.NewQuorumCalculator(cfg.MinQuorum),
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}

	for _, r := range replicas {
		if _, dup := s.replicas[r.Site()]; dup {
			return nil, errors.Configuration(fmt.Sprintf("duplicate replica for site %s", r.Site()), nil)
		}
		s.sites = append(s.sites, r.Site())
		s.replicas[r.Site()] = r
	}

	for file, site := range primaries {
		if _, ok := s.replicas[site]; !ok {
			return nil, errors.Configuration(
				fmt.Sprintf("primary site %s for %s has no replica", site, file), nil)
		}
		s.primaries[file] = site
	}

	s.metrics.UpdateReplicasAvailable(s.AvailableCount())

	logger.Info("Coordinator initialized",
		zap.Int("sites", len(s.sites)),
		zap.Int("assigned_files", len(s.primaries)),
		zap.Int("write_quorum", s.quorum.CalculateQuorum(len(s.sites))))

	return s, nil
}

// SetIdempotencyService enables idempotency-key handling in Write
func (s *CoordinatorService) SetIdempotencyService(idem *IdempotencyService) {
	s.idempotency = idem
}

// Sites returns the configured sites in fallback order
func (s *CoordinatorService) Sites() []model.Site {
	out := make([]model.Site, len(s.sites))
	copy(out, s.sites)
	return out
}

// Replica returns the replica at site
func (s *CoordinatorService) Replica(site model.Site) (*replica.Replica, error) {
	r, ok := s.replicas[site]
	if !ok {
		return nil, errors.NewFileStoreError(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown site %s", site), nil).WithDetail("site", site.String())
	}
	return r, nil
}

// PrimaryFor returns the primary site assigned to file
func (s *CoordinatorService) PrimaryFor(file string) (model.Site, error) {
	site, ok := s.primaries[file]
	if !ok {
		return "", errors.NoPrimary(file)
	}
	return site, nil
}

// PrimaryReplica returns the replica that is primary for file
func (s *CoordinatorService) PrimaryReplica(file string) (*replica.Replica, error) {
	site, err := s.PrimaryFor(file)
	if err != nil {
		return nil, err
	}
	return s.replicas[site], nil
}

// BestReplicaForRead returns the replica at preferred if it is available,
// otherwise the first available replica in site order, or nil.
func (s *CoordinatorService) BestReplicaForRead(preferred model.Site) *replica.Replica {
	if r, ok := s.replicas[preferred]; ok && r.IsAvailable() {
		return r
	}
	for _, site := range s.sites {
		if r := s.replicas[site]; r.IsAvailable() {
			return r
		}
	}
	return nil
}

// Read returns file from the replica nearest to preferred. A nil FileVersion
// means the serving replica has never seen the file.
func (s *CoordinatorService) Read(ctx context.Context, file string, preferred model.Site) (*model.FileVersion, error) {
	fv, _, err := s.ReadFrom(ctx, file, preferred)
	return fv, err
}

// ReadFrom is Read that also reports the site that served the read
func (s *CoordinatorService) ReadFrom(
	ctx context.Context,
	file string,
	preferred model.Site,
) (*model.FileVersion, model.Site, error) {
	start := time.Now()

	r := s.BestReplicaForRead(preferred)
	if r == nil {
		s.metrics.RecordRequest("read", "unavailable", time.Since(start).Seconds())
		s.logger.Warn("No replica available for read",
			zap.String("file", file),
			zap.String("preferred_site", preferred.String()))
		return nil, "", errors.Unavailable("no replica available to serve "+file, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	fv, err := r.Read(ctx, file)
	if err != nil {
		s.metrics.RecordRequest("read", "error", time.Since(start).Seconds())
		return nil, r.Site(), err
	}

	status := "ok"
	if fv == nil {
		status = "absent"
	}
	s.metrics.RecordRequest("read", status, time.Since(start).Seconds())

	s.logger.Debug("Read served",
		zap.String("file", file),
		zap.String("preferred_site", preferred.String()),
		zap.String("served_by", r.Site().String()),
		zap.Uint64("version", model.VersionOf(fv)))

	return fv, r.Site(), nil
}

// Write runs WriteWithQuorum, replaying the stored result when
// idempotencyKey was already used for a successful write of file.
func (s *CoordinatorService) Write(ctx context.Context, file, content, idempotencyKey string) (*WriteResult, error) {
	if idempotencyKey == "" || s.idempotency == nil {
		return s.WriteWithQuorum(ctx, file, content)
	}
	if !s.idempotency.ValidateIdempotencyKey(idempotencyKey) {
		return nil, errors.InvalidArgument("idempotency key must be 1 to 128 printable characters", nil)
	}

	unlock := s.idempotency.Lock(file, idempotencyKey)
	defer unlock()

	cached, err := s.idempotency.Get(ctx, file, idempotencyKey)
	if err != nil {
		s.logger.Error("Failed to check idempotency",
			zap.String("file", file),
			zap.Error(err))
	} else if cached != nil {
		s.logger.Info("Returning cached idempotent response",
			zap.String("file", file),
			zap.String("idempotency_key", idempotencyKey))
		cached.IsDuplicate = true
		return cached, nil
	}

	result, err := s.WriteWithQuorum(ctx, file, content)
	if err != nil || !result.Success {
		return result, err
	}

	if err := s.idempotency.Store(ctx, file, idempotencyKey, result); err != nil {
		s.logger.Warn("Failed to store idempotency response",
			zap.String("file", file),
			zap.Error(err))
	}
	return result, nil
}

// WriteWithQuorum commits content to file. On a failed write the result has
// Success=false, the returned error carries the reason and no replica has
// changed.
func (s *CoordinatorService) WriteWithQuorum(ctx context.Context, file, content string) (*WriteResult, error) {
	start := time.Now()
	result, err := s.writeWithQuorum(ctx, file, content)

	status := "ok"
	switch {
	case err != nil && errors.GetCode(err) == errors.ErrCodeQuorumNotMet:
		status = "quorum_not_met"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordRequest("write", status, time.Since(start).Seconds())
	return result, err
}

func (s *CoordinatorService) writeWithQuorum(ctx context.Context, file, content string) (*WriteResult, error) {
	if err := s.validateWrite(file, content); err != nil {
		return nil, err
	}

	primarySite, err := s.PrimaryFor(file)
	if err != nil {
		s.logger.Error("Write rejected, file has no primary", zap.String("file", file))
		return nil, err
	}
	primary := s.replicas[primarySite]

	// The gate is evaluated while holding the file's write lock so a writer
	// that waited on the lock sees availability as of its own commit.
	release := primary.AcquireWrite(file)
	defer release()

	total := len(s.sites)
	available := s.AvailableCount()
	required := s.quorum.CalculateQuorum(total)

	result := &WriteResult{
		File:      file,
		Primary:   primarySite,
		Available: available,
		Required:  required,
	}

	if !s.quorum.IsQuorumReached(available, total) {
		s.metrics.RecordQuorumFailure()
		s.logger.Warn("Write aborted, quorum not available",
			zap.String("file", file),
			zap.Int("available", available),
			zap.Int("required", required))
		err := errors.QuorumNotMet(available, required)
		result.ErrorMessage = err.Error()
		return result, err
	}

	if !primary.IsAvailable() {
		s.logger.Warn("Write aborted, primary unavailable",
			zap.String("file", file),
			zap.String("primary", primarySite.String()))
		err := errors.ReplicaUnavailable(primarySite.String())
		result.ErrorMessage = err.Error()
		return result, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	current, err := primary.Read(ctx, file)
	if err != nil {
		s.logger.Warn("Write aborted, primary version unreadable",
			zap.String("file", file),
			zap.String("primary", primarySite.String()),
			zap.Error(err))
		result.ErrorMessage = err.Error()
		return result, err
	}
	newVersion := model.VersionOf(current) + 1

	if err := primary.ApplyUpdate(ctx, file, content, newVersion); err != nil {
		s.logger.Warn("Write aborted, primary rejected update",
			zap.String("file", file),
			zap.String("primary", primarySite.String()),
			zap.Error(err))
		result.ErrorMessage = err.Error()
		return result, err
	}
	s.metrics.RecordCommit()

	result.Success = true
	result.Version = newVersion
	result.Updated = append(result.Updated, primarySite)

	updated, skipped := s.propagate(ctx, primarySite, file, content, newVersion)
	result.Updated = append(result.Updated, updated...)
	result.Skipped = skipped

	pushed := primary.PushInvalidations(file)

	s.logger.Info("Write committed",
		zap.String("file", file),
		zap.Uint64("version", newVersion),
		zap.String("primary", primarySite.String()),
		zap.Int("updated", len(result.Updated)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("invalidations", pushed))

	return result, nil
}

// propagate applies the committed version to every secondary in parallel and
// returns the sites updated and the sites left behind, both in site order.
func (s *CoordinatorService) propagate(
	ctx context.Context,
	primarySite model.Site,
	file, content string,
	version uint64,
) (updated, skipped []model.Site) {
	outcome := make(map[model.Site]bool, len(s.sites))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, site := range s.sites {
		if site == primarySite {
			continue
		}
		site := site
		r := s.replicas[site]
		g.Go(func() error {
			ok := false
			if r.IsAvailable() {
				if err := r.ApplyUpdate(gctx, file, content, version); err != nil {
					s.logger.Warn("Secondary update failed",
						zap.String("file", file),
						zap.String("site", site.String()),
						zap.Error(err))
				} else {
					ok = true
				}
			}

			mu.Lock()
			outcome[site] = ok
			mu.Unlock()
			// Don't return error, a stale secondary must not cancel the others
			return nil
		})
	}

	_ = g.Wait()

	for _, site := range s.sites {
		ok, attempted := outcome[site]
		if !attempted {
			continue
		}
		if ok {
			updated = append(updated, site)
			continue
		}
		skipped = append(skipped, site)
		s.metrics.RecordStaleSecondary(site.String())
		s.logger.Warn("Secondary left behind",
			zap.String("file", file),
			zap.String("site", site.String()),
			zap.Uint64("version", version))
	}
	return updated, skipped
}

func (s *CoordinatorService) validateWrite(file, content string) error {
	if file == "" {
		return errors.InvalidArgument("file name is required", nil)
	}
	if len(file) > s.cfg.MaxNameLength {
		return errors.InvalidArgument(
			fmt.Sprintf("file name exceeds %d bytes", s.cfg.MaxNameLength), nil)
	}
	if len(content) > s.cfg.MaxContentBytes {
		return errors.InvalidArgument(
			fmt.Sprintf("content exceeds %d bytes", s.cfg.MaxContentBytes), nil)
	}
	return nil
}

// SetAvailability brings the replica at site up or down
func (s *CoordinatorService) SetAvailability(site model.Site, available bool) error {
	r, err := s.Replica(site)
	if err != nil {
		return err
	}
	r.SetAvailable(available)
	s.metrics.UpdateReplicasAvailable(s.AvailableCount())
	return nil
}

// AvailableCount returns the number of replicas currently available
func (s *CoordinatorService) AvailableCount() int {
	n := 0
	for _, r := range s.replicas {
		if r.IsAvailable() {
			n++
		}
	}
	return n
}

// QuorumAvailable reports whether a write could currently reach quorum
func (s *CoordinatorService) QuorumAvailable() bool {
	return s.quorum.IsQuorumReached(s.AvailableCount(), len(s.sites))
}

// Status returns the status of every replica in site order
func (s *CoordinatorService) Status() []model.ReplicaStatus {
	out := make([]model.ReplicaStatus, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, s.replicas[site].Status())
	}
	return out
}
