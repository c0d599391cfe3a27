package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/sitefs/internal/client"
	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"go.uber.org/zap"
)

// ClientRegistry holds the cache-coherent clients driven through the API.
// A client is created the first time its ID is used and keeps the preferred
// site it was created with. At most maxClients are held.
type ClientRegistry struct {
	mu          sync.Mutex
	clients     map[string]*client.Client
	maxClients  int
	coordinator client.Coordinator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewClientRegistry creates an empty registry holding up to maxClients
func NewClientRegistry(
	coordinator client.Coordinator,
	maxClients int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ClientRegistry {
	return &ClientRegistry{
		clients:     make(map[string]*client.Client),
		maxClients:  maxClients,
		coordinator: coordinator,
		metrics:     m,
		logger:      logger,
	}
}

// GetOrCreate returns the client with id, creating it at preferred. Creating
// a client past the cap fails with an unavailable error.
func (r *ClientRegistry) GetOrCreate(id string, preferred model.Site) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	if len(r.clients) >= r.maxClients {
		r.logger.Warn("Client registry full",
			zap.String("client", id),
			zap.Int("max_clients", r.maxClients))
		return nil, errors.Unavailable(fmt.Sprintf("client limit of %d reached", r.maxClients), nil)
	}
	c := client.New(id, preferred, r.coordinator, r.metrics, r.logger)
	r.clients[id] = c
	r.logger.Info("Registered client",
		zap.String("client", id),
		zap.String("preferred_site", preferred.String()))
	return c, nil
}

// Get returns the client with id
func (r *ClientRegistry) Get(id string) (*client.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// List returns all clients ordered by ID
func (r *ClientRegistry) List() []*client.Client {
	r.mu.Lock()
	out := make([]*client.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
