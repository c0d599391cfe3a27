package integration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/devrev/sitefs/internal/bootstrap"
	"github.com/devrev/sitefs/internal/client"
	"github.com/devrev/sitefs/internal/config"
	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	site1 model.Site = "new-york"
	site2 model.Site = "toronto"
	site3 model.Site = "london"
)

type cluster struct {
	sys     *bootstrap.System
	metrics *metrics.Metrics
}

func newCluster(t *testing.T, mode string) *cluster {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Topology.Primaries = []config.PrimaryAssignment{{File: "f", Site: site1.String()}}
	cfg.Invalidation.Mode = mode
	require.NoError(t, cfg.Validate())

	seed := &bootstrap.Seed{Files: []bootstrap.SeedFile{{Name: "f", Content: "X", Version: 1}}}
	m := metrics.NewNopMetrics()

	sys, err := bootstrap.Build(cfg, seed, m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(sys.Close)

	return &cluster{sys: sys, metrics: m}
}

func (c *cluster) client(id string, preferred model.Site) *client.Client {
	return client.New(id, preferred, c.sys.Coordinator, c.metrics, zap.NewNop())
}

func (c *cluster) at(t *testing.T, site model.Site) *model.FileVersion {
	t.Helper()
	r, err := c.sys.Coordinator.Replica(site)
	require.NoError(t, err)
	fv, err := r.Read(context.Background(), "f")
	require.NoError(t, err)
	return fv
}

func (c *cluster) versions(t *testing.T) map[model.Site]uint64 {
	t.Helper()
	out := make(map[model.Site]uint64)
	for _, st := range c.sys.Coordinator.Status() {
		out[st.Site] = st.Files["f"]
	}
	return out
}

func (c *cluster) setAvailable(t *testing.T, site model.Site, available bool) {
	t.Helper()
	require.NoError(t, c.sys.Coordinator.SetAvailability(site, available))
}

func TestScenarios_WriteInvalidateAndPartition(t *testing.T) {
	c := newCluster(t, config.InvalidationModeSync)
	ctx := context.Background()
	clientA := c.client("client-a", site1)
	clientB := c.client("client-b", site3)

	// Scenario A: read, then write through the primary.
	content, err := clientA.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "X", content)

	content, err = clientB.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "X", content)

	result, err := clientA.WriteFile(ctx, "f", "Y")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, uint64(2), result.Version)
	for _, site := range []model.Site{site1, site2, site3} {
		fv := c.at(t, site)
		assert.Equal(t, "Y", fv.Content, site)
		assert.Equal(t, uint64(2), fv.Version, site)
	}
	entry, ok := clientA.CacheEntry("f")
	require.True(t, ok)
	assert.Equal(t, model.CacheEntry{Content: "Y", Version: 2, Valid: true}, entry)

	// Scenario B: the primary pushed an invalidation to client B.
	entry, ok = clientB.CacheEntry("f")
	require.True(t, ok)
	assert.False(t, entry.Valid)

	content, err = clientB.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "Y", content)

	// Scenario C: a secondary misses a write while down.
	c.setAvailable(t, site3, false)
	result, err = clientA.WriteFile(ctx, "f", "Z")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []model.Site{site3}, result.Skipped)
	assert.Equal(t, []model.Site{site1, site2}, result.Updated)

	content, err = clientB.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "Z", content)

	c.setAvailable(t, site3, true)

	content, err = clientB.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "Z", content)

	stale := c.at(t, site3)
	assert.Equal(t, "Y", stale.Content)
	assert.Equal(t, uint64(2), stale.Version)
	assert.Equal(t, uint64(3), c.at(t, site1).Version)
}

func TestScenario_RecoveredSecondaryStaysStaleUntilNextWrite(t *testing.T) {
	c := newCluster(t, config.InvalidationModeSync)
	ctx := context.Background()
	writer := c.client("writer", site1)
	reader := c.client("reader", site3)

	_, err := reader.ReadFile(ctx, "f")
	require.NoError(t, err)

	c.setAvailable(t, site3, false)
	_, err = writer.WriteFile(ctx, "f", "Y")
	require.NoError(t, err)
	c.setAvailable(t, site3, true)

	// Invalidated entry, stale preferred replica: the primary copy wins.
	content, err := reader.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "Y", content)
	assert.Equal(t, uint64(1), c.at(t, site3).Version)

	// The next write reaches every replica and repairs the divergence.
	_, err = writer.WriteFile(ctx, "f", "W")
	require.NoError(t, err)
	assert.Equal(t, map[model.Site]uint64{site1: 3, site2: 3, site3: 3}, c.versions(t))
}

func TestProperty_QuorumLossChangesNothing(t *testing.T) {
	c := newCluster(t, config.InvalidationModeSync)
	ctx := context.Background()
	c.setAvailable(t, site2, false)
	c.setAvailable(t, site3, false)
	before := c.versions(t)

	result, err := c.sys.Coordinator.WriteWithQuorum(ctx, "f", "lost")

	assert.ErrorIs(t, err, errors.ErrQuorumNotMet)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, before, c.versions(t))
}

func TestProperty_RandomAvailabilityWrites(t *testing.T) {
	c := newCluster(t, config.InvalidationModeSync)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	sites := []model.Site{site1, site2, site3}

	for i := 0; i < 60; i++ {
		for _, site := range sites {
			c.setAvailable(t, site, rng.Intn(4) != 0)
		}
		before := c.versions(t)
		content := fmt.Sprintf("write-%d", i)

		result, err := c.sys.Coordinator.WriteWithQuorum(ctx, "f", content)

		if err != nil {
			assert.Equal(t, before, c.versions(t), "iteration %d", i)
			continue
		}
		require.True(t, result.Success)
		assert.Equal(t, before[site1]+1, result.Version, "iteration %d", i)

		after := c.versions(t)
		for _, site := range sites {
			r, _ := c.sys.Coordinator.Replica(site)
			if !r.IsAvailable() {
				assert.Equal(t, before[site], after[site], "iteration %d site %s", i, site)
				continue
			}
			fv := c.at(t, site)
			assert.Equal(t, content, fv.Content, "iteration %d site %s", i, site)
			assert.Equal(t, result.Version, fv.Version, "iteration %d site %s", i, site)
		}
	}
}

func TestProperty_ConcurrentClientsLinearize(t *testing.T) {
	c := newCluster(t, config.InvalidationModeAsync)
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	versions := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cl := c.client(fmt.Sprintf("writer-%02d", i), []model.Site{site1, site2, site3}[i%3])
			if _, err := cl.ReadFile(ctx, "f"); err != nil {
				t.Error(err)
				return
			}
			result, err := cl.WriteFile(ctx, "f", fmt.Sprintf("from %d", i))
			if err != nil {
				t.Error(err)
				return
			}
			versions <- result.Version
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d committed twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	final := c.at(t, site1)
	assert.Equal(t, uint64(writers+1), final.Version)
	for _, site := range []model.Site{site2, site3} {
		assert.Equal(t, *final, *c.at(t, site))
	}
}

func TestProperty_AsyncInvalidationStaysCoherent(t *testing.T) {
	c := newCluster(t, config.InvalidationModeAsync)
	ctx := context.Background()
	writer := c.client("writer", site1)
	reader := c.client("reader", site2)

	for i := 0; i < 20; i++ {
		_, err := reader.ReadFile(ctx, "f")
		require.NoError(t, err)

		want := fmt.Sprintf("round %d", i)
		_, err = writer.WriteFile(ctx, "f", want)
		require.NoError(t, err)

		// The push may still be queued; the version check alone must
		// keep the reader from returning the old content.
		got, err := reader.ReadFile(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, want, got, "round %d", i)
	}
}

func TestProperty_ReadFallsBackToAnyReplica(t *testing.T) {
	c := newCluster(t, config.InvalidationModeSync)
	ctx := context.Background()
	reader := c.client("reader", site3)

	c.setAvailable(t, site3, false)
	c.setAvailable(t, site1, false)

	content, err := reader.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "X", content)

	// With every replica down the primary reads as version 0, so the cached
	// v1 entry no longer matches and the read has nowhere to go.
	c.setAvailable(t, site2, false)
	_, err = reader.ReadFile(ctx, "f")
	assert.ErrorIs(t, err, errors.ErrUnreachable)
}
