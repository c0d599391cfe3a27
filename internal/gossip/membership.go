// Package gossip tracks which sites are alive using memberlist. Member names
// are site names; a member joining or leaving toggles that site's replica.
package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/sitefs/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// AvailabilitySetter is implemented by the coordinator
type AvailabilitySetter interface {
	SetAvailability(site model.Site, available bool) error
	Sites() []model.Site
}

// Config holds gossip protocol configuration
type Config struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is advertised to peers
type nodeMeta struct {
	Site      model.Site `json:"site"`
	StartedAt int64      `json:"started_at"`
}

var (
	_ memberlist.Delegate      = (*Service)(nil)
	_ memberlist.EventDelegate = (*eventDelegate)(nil)
)

// Service manages cluster membership and maps it onto replica availability
type Service struct {
	config     Config
	site       model.Site
	target     AvailabilitySetter
	known      map[model.Site]bool
	memberlist *memberlist.Memberlist
	meta       nodeMeta
	logger     *zap.Logger

	mu   sync.Mutex
	seen map[model.Site]bool
}

// NewService creates a membership service for the local site. Call Start to
// join the cluster.
func NewService(cfg Config, target AvailabilitySetter, logger *zap.Logger) (*Service, error) {
	site, err := model.ParseSite(cfg.NodeName)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip node name: %w", err)
	}

	known := make(map[model.Site]bool)
	for _, s := range target.Sites() {
		known[s] = true
	}
	if !known[site] {
		return nil, fmt.Errorf("gossip node %s is not a configured site", site)
	}

	return &Service{
		config: cfg,
		site:   site,
		target: target,
		known:  known,
		meta:   nodeMeta{Site: site, StartedAt: time.Now().Unix()},
		seen:   make(map[model.Site]bool),
		logger: logger.With(zap.String("component", "gossip")),
	}, nil
}

// Start creates the memberlist node and joins the seed nodes
func (s *Service) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.site.String()
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
	}
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.Logger = zap.NewStdLog(s.logger)

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		joined, err := ml.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", joined),
				zap.Strings("seeds", s.config.SeedNodes),
				zap.Error(err))
		}
	}

	s.logger.Info("Gossip started",
		zap.String("site", s.site.String()),
		zap.Int("bind_port", s.config.BindPort))
	return nil
}

// Members returns the names of the live members, sorted
func (s *Service) Members() []string {
	if s.memberlist == nil {
		return nil
	}
	var names []string
	for _, m := range s.memberlist.Members() {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// Shutdown leaves the cluster and stops the memberlist node
func (s *Service) Shutdown(timeout time.Duration) error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) setAvailability(name string, available bool) {
	site, err := model.ParseSite(name)
	if err != nil || !s.known[site] {
		s.logger.Debug("Ignoring member that is not a site", zap.String("node", name))
		return
	}

	s.mu.Lock()
	s.seen[site] = available
	s.mu.Unlock()

	if err := s.target.SetAvailability(site, available); err != nil {
		s.logger.Warn("Failed to update site availability",
			zap.String("site", site.String()),
			zap.Bool("available", available),
			zap.Error(err))
	}
}

// Observed returns the last membership state seen for each site
func (s *Service) Observed() map[model.Site]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Site]bool, len(s.seen))
	for k, v := range s.seen {
		out[k] = v
	}
	return out
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Site joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.setAvailability(node.Name, true)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Warn("Site left", zap.String("node", node.Name))
	d.service.setAvailability(node.Name, false)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Site updated", zap.String("node", node.Name))
}
