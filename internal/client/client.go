// Package client implements a cache-coherent file client. Cached entries are
// trusted only while valid and at the primary's current version; the primary
// pushes invalidations to clients that have read a file through it.
package client

import (
	"context"

	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/replica"
	"github.com/devrev/sitefs/internal/service"
	"go.uber.org/zap"
)

// Coordinator is the subset of the coordinator used by clients
type Coordinator interface {
	PrimaryReplica(file string) (*replica.Replica, error)
	Read(ctx context.Context, file string, preferred model.Site) (*model.FileVersion, error)
	WriteWithQuorum(ctx context.Context, file, content string) (*service.WriteResult, error)
}

// Client reads and writes files through a coordinator, keeping a local cache
type Client struct {
	id          string
	preferred   model.Site
	coordinator Coordinator
	cache       *Cache
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

var _ replica.Subscriber = (*Client)(nil)

// New creates a client that prefers replicas at preferred
func New(id string, preferred model.Site, coordinator Coordinator, m *metrics.Metrics, logger *zap.Logger) *Client {
	return &Client{
		id:          id,
		preferred:   preferred,
		coordinator: coordinator,
		cache:       NewCache(),
		metrics:     m,
		logger:      logger.With(zap.String("client", id)),
	}
}

// ID returns the client identifier
func (c *Client) ID() string {
	return c.id
}

// PreferredSite returns the site the client reads from when it can
func (c *Client) PreferredSite() model.Site {
	return c.preferred
}

// SubscriberID implements replica.Subscriber
func (c *Client) SubscriberID() string {
	return c.id
}

// Invalidate implements replica.Subscriber. Unknown files are ignored.
func (c *Client) Invalidate(name string) {
	if c.cache.Invalidate(name) {
		c.metrics.RecordInvalidation(c.id)
		c.logger.Info("Cache invalidated", zap.String("file", name))
	}
}

// CacheEntry returns the local cache entry for name
func (c *Client) CacheEntry(name string) (model.CacheEntry, bool) {
	return c.cache.Get(name)
}

// CachedFiles returns the names of all cached files
func (c *Client) CachedFiles() []string {
	return c.cache.Names()
}

// ReadFile returns the content of name, from the local cache when it is valid
// and current with the primary, otherwise from the nearest available replica.
func (c *Client) ReadFile(ctx context.Context, name string) (string, error) {
	primary, err := c.coordinator.PrimaryReplica(name)
	if err != nil {
		return "", err
	}

	// An unreachable primary reports version 0 so the read falls through to
	// the replicas instead of failing.
	primaryFV, err := primary.Read(ctx, name)
	if err != nil {
		c.logger.Debug("Primary unreachable for version check",
			zap.String("file", name),
			zap.String("primary", primary.Site().String()),
			zap.Error(err))
	}
	primaryVersion := model.VersionOf(primaryFV)

	if entry, ok := c.cache.Get(name); ok && entry.Valid && entry.Version == primaryVersion {
		c.metrics.RecordCacheHit(c.id)
		c.logger.Info("Reading from cache",
			zap.String("file", name),
			zap.Uint64("version", entry.Version))
		return entry.Content, nil
	}
	c.metrics.RecordCacheMiss(c.id)

	fetched, err := c.coordinator.Read(ctx, name, c.preferred)
	if err != nil {
		return "", errors.Unreachable("cannot read "+name+" from any replica", err).
			WithDetail("file", name)
	}
	// A secondary that missed writes while it was down answers with an older
	// version than the primary; take the primary's copy instead.
	if model.VersionOf(fetched) < primaryVersion {
		c.logger.Info("Replica behind primary, using primary copy",
			zap.String("file", name),
			zap.Uint64("replica_version", model.VersionOf(fetched)),
			zap.Uint64("primary_version", primaryVersion))
		fetched = primaryFV
	}
	if fetched == nil {
		return "", errors.FileNotFound(name)
	}

	c.cache.Put(name, fetched.Content, fetched.Version)
	primary.Subscribe(name, c)

	c.logger.Info("Reading from replica",
		zap.String("file", name),
		zap.Uint64("version", fetched.Version),
		zap.Uint64("primary_version", primaryVersion))

	return fetched.Content, nil
}

// WriteFile writes content to name through the coordinator. The local cache
// is only touched after a successful write, when it takes the primary's new
// version.
func (c *Client) WriteFile(ctx context.Context, name, content string) (*service.WriteResult, error) {
	c.logger.Info("Requesting write", zap.String("file", name))

	result, err := c.coordinator.WriteWithQuorum(ctx, name, content)
	if err != nil || result == nil || !result.Success {
		c.logger.Warn("Write failed", zap.String("file", name), zap.Error(err))
		return result, err
	}

	primary, err := c.coordinator.PrimaryReplica(name)
	if err != nil {
		return result, nil
	}
	fv, err := primary.Read(ctx, name)
	if err != nil || fv == nil {
		// The write committed; drop trust in any older entry.
		c.cache.Invalidate(name)
		c.logger.Warn("Primary missing file after write",
			zap.String("file", name),
			zap.Error(err))
		return result, nil
	}

	c.cache.Put(name, fv.Content, fv.Version)
	c.logger.Info("Write OK, local cache updated",
		zap.String("file", name),
		zap.Uint64("version", fv.Version))

	return result, nil
}
