// Package replica holds the per-site file replica: versioned contents, an
// availability flag and the registry of clients subscribed to invalidations.
package replica

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"go.uber.org/zap"
)

// Subscriber receives invalidation pushes for files it has cached.
// SubscriberID must be stable for the lifetime of the subscriber; it is the
// identity used to deduplicate subscriptions.
type Subscriber interface {
	SubscriberID() string
	Invalidate(file string)
}

// Replica stores the files of one site
type Replica struct {
	site      model.Site
	available atomic.Bool

	mu    sync.RWMutex
	files map[string]*model.FileVersion

	subMu       sync.Mutex
	subscribers map[string]map[string]Subscriber

	lockMu     sync.Mutex
	writeLocks map[string]*sync.Mutex

	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates an available, empty replica for site
func New(site model.Site, dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Replica {
	if dispatcher == nil {
		dispatcher = NewSyncDispatcher(logger)
	}
	r := &Replica{
		site:        site,
		files:       make(map[string]*model.FileVersion),
		subscribers: make(map[string]map[string]Subscriber),
		writeLocks:  make(map[string]*sync.Mutex),
		dispatcher:  dispatcher,
		metrics:     m,
		logger:      logger.With(zap.String("site", site.String())),
	}
	r.available.Store(true)
	return r
}

// Site returns the site this replica serves
func (r *Replica) Site() model.Site {
	return r.site
}

// IsAvailable reports whether the replica currently serves requests
func (r *Replica) IsAvailable() bool {
	return r.available.Load()
}

// SetAvailable brings the replica up or down
func (r *Replica) SetAvailable(available bool) {
	if r.available.Swap(available) == available {
		return
	}
	if available {
		r.logger.Info("Replica coming up")
	} else {
		r.logger.Warn("Replica going down")
	}
}

// LoadInitial stores a file version unconditionally. Only used while seeding a
// replica at startup; it bypasses availability and version ordering.
func (r *Replica) LoadInitial(name, content string, version uint64) {
	r.mu.Lock()
	r.files[name] = &model.FileVersion{Name: name, Content: content, Version: version}
	r.mu.Unlock()

	r.logger.Debug("Stored initial file",
		zap.String("file", name),
		zap.Uint64("version", version))
}

// Read returns a copy of the current version of name, or nil if the file was
// never written here.
func (r *Replica) Read(ctx context.Context, name string) (*model.FileVersion, error) {
	if err := ctx.Err(); err != nil {
		r.metrics.RecordReplicaRead(r.site.String(), "timeout")
		return nil, errors.Unavailable("read cancelled at replica "+r.site.String(), err)
	}
	if !r.IsAvailable() {
		r.metrics.RecordReplicaRead(r.site.String(), "unavailable")
		r.logger.Debug("Read refused, replica down", zap.String("file", name))
		return nil, errors.ReplicaUnavailable(r.site.String())
	}

	r.mu.RLock()
	fv := r.files[name].Copy()
	r.mu.RUnlock()

	if fv == nil {
		r.metrics.RecordReplicaRead(r.site.String(), "absent")
		return nil, nil
	}
	r.metrics.RecordReplicaRead(r.site.String(), "ok")
	return fv, nil
}

// ApplyUpdate overwrites name with the given content and version, creating it
// if needed. The caller supplies the version; monotonicity is not checked here.
// An unavailable replica logs and returns an Unavailable error without
// changing any state.
func (r *Replica) ApplyUpdate(ctx context.Context, name, content string, version uint64) error {
	if err := ctx.Err(); err != nil {
		r.metrics.RecordReplicaWrite(r.site.String(), "timeout")
		return errors.Unavailable("update cancelled at replica "+r.site.String(), err)
	}
	if !r.IsAvailable() {
		r.metrics.RecordReplicaWrite(r.site.String(), "unavailable")
		r.logger.Warn("Cannot apply update, replica down",
			zap.String("file", name),
			zap.Uint64("version", version))
		return errors.ReplicaUnavailable(r.site.String())
	}

	r.mu.Lock()
	if fv, ok := r.files[name]; ok {
		fv.Content = content
		fv.Version = version
	} else {
		r.files[name] = &model.FileVersion{Name: name, Content: content, Version: version}
	}
	r.mu.Unlock()

	r.metrics.RecordReplicaWrite(r.site.String(), "ok")
	r.logger.Debug("Applied update",
		zap.String("file", name),
		zap.Uint64("version", version))
	return nil
}

// AcquireWrite takes the exclusive write section for name and returns the
// function that releases it. Writers holding it are linearized through this
// replica's version counter for that file.
func (r *Replica) AcquireWrite(name string) func() {
	r.lockMu.Lock()
	l, ok := r.writeLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.writeLocks[name] = l
	}
	r.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Subscribe registers sub for invalidations of name. It returns false if a
// subscriber with the same ID was already registered.
func (r *Replica) Subscribe(name string, sub Subscriber) bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	subs, ok := r.subscribers[name]
	if !ok {
		subs = make(map[string]Subscriber)
		r.subscribers[name] = subs
	}
	if _, exists := subs[sub.SubscriberID()]; exists {
		return false
	}
	subs[sub.SubscriberID()] = sub

	r.logger.Debug("Registered cache listener",
		zap.String("file", name),
		zap.String("subscriber", sub.SubscriberID()))
	return true
}

// SubscriberCount returns the number of subscribers registered for name
func (r *Replica) SubscriberCount(name string) int {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return len(r.subscribers[name])
}

// PushInvalidations notifies every subscriber of name and returns how many
// were dispatched. Subscriptions stay registered.
func (r *Replica) PushInvalidations(name string) int {
	r.subMu.Lock()
	subs := make([]Subscriber, 0, len(r.subscribers[name]))
	for _, s := range r.subscribers[name] {
		subs = append(subs, s)
	}
	r.subMu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].SubscriberID() < subs[j].SubscriberID()
	})

	r.logger.Info("Invalidating client caches",
		zap.String("file", name),
		zap.Int("subscribers", len(subs)))

	if len(subs) == 0 {
		return 0
	}
	r.dispatcher.Dispatch(r.site, name, subs)
	r.metrics.RecordPush(r.site.String(), len(subs))
	return len(subs)
}

// Status returns the availability and file versions held by the replica
func (r *Replica) Status() model.ReplicaStatus {
	r.mu.RLock()
	files := make(map[string]uint64, len(r.files))
	for name, fv := range r.files {
		files[name] = fv.Version
	}
	r.mu.RUnlock()

	return model.ReplicaStatus{
		Site:      r.site,
		Available: r.IsAvailable(),
		Files:     files,
	}
}

// Files returns the names of the files held by the replica, sorted
func (r *Replica) Files() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
