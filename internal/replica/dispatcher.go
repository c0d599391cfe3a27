package replica

import (
	"context"
	"fmt"

	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/util/workerpool"
	"go.uber.org/zap"
)

// Dispatcher delivers an invalidation for file to each subscriber. Delivery is
// fire-and-forget: implementations never report per-subscriber results and a
// misbehaving subscriber must not prevent delivery to the others.
type Dispatcher interface {
	Dispatch(site model.Site, file string, subscribers []Subscriber)
}

// SyncDispatcher invokes subscribers in order on the caller's goroutine
type SyncDispatcher struct {
	logger *zap.Logger
}

// NewSyncDispatcher creates an in-line dispatcher
func NewSyncDispatcher(logger *zap.Logger) *SyncDispatcher {
	return &SyncDispatcher{logger: logger}
}

// Dispatch implements Dispatcher
func (d *SyncDispatcher) Dispatch(site model.Site, file string, subscribers []Subscriber) {
	for _, sub := range subscribers {
		d.invoke(site, file, sub)
	}
}

func (d *SyncDispatcher) invoke(site model.Site, file string, sub Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("Subscriber panicked during invalidation",
				zap.String("site", site.String()),
				zap.String("file", file),
				zap.String("subscriber", sub.SubscriberID()),
				zap.Any("panic", r))
		}
	}()
	sub.Invalidate(file)
}

// PoolDispatcher hands each callback to a bounded worker pool so slow
// subscribers never hold up the writer. Callbacks that do not fit in the
// queue are dropped; the reader's version check covers them.
type PoolDispatcher struct {
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPoolDispatcher creates a dispatcher backed by pool
func NewPoolDispatcher(pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *PoolDispatcher {
	return &PoolDispatcher{
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// Dispatch implements Dispatcher
func (d *PoolDispatcher) Dispatch(site model.Site, file string, subscribers []Subscriber) {
	for _, sub := range subscribers {
		sub := sub
		task := workerpool.Task{
			ID: fmt.Sprintf("%s/%s/%s", site, file, sub.SubscriberID()),
			Fn: func(ctx context.Context) error {
				sub.Invalidate(file)
				return nil
			},
		}
		if !d.pool.TrySubmit(task) {
			d.metrics.RecordPushDropped()
			d.logger.Warn("Dropped invalidation, dispatch queue full",
				zap.String("site", site.String()),
				zap.String("file", file),
				zap.String("subscriber", sub.SubscriberID()))
		}
	}
}
