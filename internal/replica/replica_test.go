package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockSubscriber is a mock implementation of Subscriber
type MockSubscriber struct {
	mock.Mock
	id string
}

func (m *MockSubscriber) SubscriberID() string {
	return m.id
}

func (m *MockSubscriber) Invalidate(file string) {
	m.Called(file)
}

func newTestReplica(site model.Site) *Replica {
	return New(site, nil, metrics.NewNopMetrics(), zap.NewNop())
}

func TestReplica_ReadAbsentFile(t *testing.T) {
	r := newTestReplica("toronto")

	fv, err := r.Read(context.Background(), "missing.txt")

	require.NoError(t, err)
	assert.Nil(t, fv)
}

func TestReplica_ApplyUpdateThenRead(t *testing.T) {
	r := newTestReplica("toronto")
	ctx := context.Background()

	require.NoError(t, r.ApplyUpdate(ctx, "new.txt", "hello", 1))
	require.NoError(t, r.ApplyUpdate(ctx, "new.txt", "hello again", 2))

	fv, err := r.Read(ctx, "new.txt")
	require.NoError(t, err)
	require.NotNil(t, fv)
	assert.Equal(t, "new.txt", fv.Name)
	assert.Equal(t, "hello again", fv.Content)
	assert.Equal(t, uint64(2), fv.Version)
}

func TestReplica_ReadReturnsCopy(t *testing.T) {
	r := newTestReplica("toronto")
	r.LoadInitial("file1.txt", "Initial content of file1", 1)

	fv, err := r.Read(context.Background(), "file1.txt")
	require.NoError(t, err)
	fv.Content = "mutated"

	again, err := r.Read(context.Background(), "file1.txt")
	require.NoError(t, err)
	assert.Equal(t, "Initial content of file1", again.Content)
}

func TestReplica_UnavailableRefusesReadAndWrite(t *testing.T) {
	r := newTestReplica("london")
	r.LoadInitial("file1.txt", "v1", 1)
	r.SetAvailable(false)
	ctx := context.Background()

	fv, err := r.Read(ctx, "file1.txt")
	assert.Nil(t, fv)
	assert.ErrorIs(t, err, errors.ErrUnavailable)

	err = r.ApplyUpdate(ctx, "file1.txt", "v2", 2)
	assert.ErrorIs(t, err, errors.ErrUnavailable)

	// State untouched once back up
	r.SetAvailable(true)
	fv, err = r.Read(ctx, "file1.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", fv.Content)
	assert.Equal(t, uint64(1), fv.Version)
}

func TestReplica_LoadInitialIgnoresAvailability(t *testing.T) {
	r := newTestReplica("london")
	r.SetAvailable(false)
	r.LoadInitial("file3.txt", "seed", 1)
	r.SetAvailable(true)

	fv, err := r.Read(context.Background(), "file3.txt")
	require.NoError(t, err)
	assert.Equal(t, "seed", fv.Content)
}

func TestReplica_CancelledContext(t *testing.T) {
	r := newTestReplica("london")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Read(ctx, "file1.txt")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))

	err = r.ApplyUpdate(ctx, "file1.txt", "x", 1)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
}

func TestReplica_SubscribeIsIdempotent(t *testing.T) {
	r := newTestReplica("new-york")
	sub := &MockSubscriber{id: "client-1"}
	sub.On("Invalidate", "file1.txt").Return().Once()

	assert.True(t, r.Subscribe("file1.txt", sub))
	assert.False(t, r.Subscribe("file1.txt", sub))
	assert.Equal(t, 1, r.SubscriberCount("file1.txt"))

	delivered := r.PushInvalidations("file1.txt")

	assert.Equal(t, 1, delivered)
	sub.AssertExpectations(t)
	sub.AssertNumberOfCalls(t, "Invalidate", 1)
}

func TestReplica_PushKeepsSubscriptions(t *testing.T) {
	r := newTestReplica("new-york")
	sub := &MockSubscriber{id: "client-1"}
	sub.On("Invalidate", "file1.txt").Return()

	r.Subscribe("file1.txt", sub)
	r.PushInvalidations("file1.txt")
	r.PushInvalidations("file1.txt")

	sub.AssertNumberOfCalls(t, "Invalidate", 2)
	assert.Equal(t, 1, r.SubscriberCount("file1.txt"))
}

func TestReplica_PushOnlyReachesFileSubscribers(t *testing.T) {
	r := newTestReplica("new-york")
	one := &MockSubscriber{id: "client-1"}
	two := &MockSubscriber{id: "client-2"}
	one.On("Invalidate", "file1.txt").Return()

	r.Subscribe("file1.txt", one)
	r.Subscribe("file2.txt", two)

	assert.Equal(t, 1, r.PushInvalidations("file1.txt"))
	assert.Equal(t, 0, r.PushInvalidations("nobody.txt"))

	one.AssertExpectations(t)
	two.AssertNotCalled(t, "Invalidate", mock.Anything)
}

func TestReplica_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	r := newTestReplica("new-york")
	bad := &MockSubscriber{id: "a-bad"}
	good := &MockSubscriber{id: "b-good"}
	bad.On("Invalidate", "file1.txt").Run(func(mock.Arguments) { panic("listener broke") }).Return()
	good.On("Invalidate", "file1.txt").Return()

	r.Subscribe("file1.txt", bad)
	r.Subscribe("file1.txt", good)

	assert.NotPanics(t, func() { r.PushInvalidations("file1.txt") })
	good.AssertExpectations(t)
}

func TestReplica_AcquireWriteSerializes(t *testing.T) {
	r := newTestReplica("new-york")
	ctx := context.Background()
	r.LoadInitial("file1.txt", "", 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.AcquireWrite("file1.txt")
			defer release()

			fv, _ := r.Read(ctx, "file1.txt")
			_ = r.ApplyUpdate(ctx, "file1.txt", "x", fv.Version+1)
		}()
	}
	wg.Wait()

	fv, err := r.Read(ctx, "file1.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), fv.Version)
}

func TestReplica_Status(t *testing.T) {
	r := newTestReplica("toronto")
	r.LoadInitial("file1.txt", "a", 1)
	r.LoadInitial("file2.txt", "b", 3)
	r.SetAvailable(false)

	status := r.Status()

	assert.Equal(t, model.Site("toronto"), status.Site)
	assert.False(t, status.Available)
	assert.Equal(t, map[string]uint64{"file1.txt": 1, "file2.txt": 3}, status.Files)
}

func TestPoolDispatcher_DeliversAsynchronously(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "push", MaxWorkers: 2, QueueSize: 8, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	d := NewPoolDispatcher(pool, metrics.NewNopMetrics(), zap.NewNop())
	r := New("toronto", d, metrics.NewNopMetrics(), zap.NewNop())

	done := make(chan string, 1)
	sub := &MockSubscriber{id: "client-1"}
	sub.On("Invalidate", "file2.txt").Run(func(args mock.Arguments) {
		done <- args.String(0)
	}).Return()

	r.Subscribe("file2.txt", sub)
	assert.Equal(t, 1, r.PushInvalidations("file2.txt"))

	select {
	case file := <-done:
		assert.Equal(t, "file2.txt", file)
	case <-time.After(time.Second):
		t.Fatal("invalidation was never delivered")
	}
}

func TestPoolDispatcher_DropsWhenStopped(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "push", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))

	m := metrics.NewNopMetrics()
	d := NewPoolDispatcher(pool, m, zap.NewNop())
	sub := &MockSubscriber{id: "client-1"}

	d.Dispatch("toronto", "file2.txt", []Subscriber{sub})

	sub.AssertNotCalled(t, "Invalidate", mock.Anything)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}
