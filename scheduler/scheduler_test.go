package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expr_mohan/kcl-lease/consumer"
	"expr_mohan/kcl-lease/lease"
)

// fakeStore is a minimal in-memory lease.StoreClient, enforcing the same
// counter-conditional semantics as the real DynamoDB adapter so the
// scheduler's reconcile loop exercises genuine take/renew race outcomes.
type fakeStore struct {
	mu     sync.Mutex
	leases map[string]lease.Lease
}

func newFakeStore(leases ...lease.Lease) *fakeStore {
	s := &fakeStore{leases: make(map[string]lease.Lease)}
	for _, l := range leases {
		s.leases[l.Key] = l
	}
	return s
}

func (s *fakeStore) ListAll(ctx context.Context) ([]lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lease.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}

func (s *fakeStore) Take(ctx context.Context, l lease.Lease, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[l.Key]
	if ok && current.Counter != l.Counter {
		return false, nil
	}
	current.Key = l.Key
	current.Owner = &workerID
	current.Counter = l.Counter + 1
	current.ParentShardIDs = l.ParentShardIDs
	s.leases[l.Key] = current
	return true, nil
}

func (s *fakeStore) Renew(ctx context.Context, l lease.Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[l.Key]
	if !ok || current.Counter != l.Counter {
		return false, nil
	}
	if current.Owner == nil || l.Owner == nil || *current.Owner != *l.Owner {
		return false, nil
	}
	current.Counter = l.Counter + 1
	s.leases[l.Key] = current
	return true, nil
}

// stealFrom overwrites a lease's owner/counter directly, simulating a peer
// worker winning a take/renew outside of the scheduler under test.
func (s *fakeStore) stealFrom(key, newOwner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.leases[key]
	l.Owner = &newOwner
	l.Counter++
	s.leases[key] = l
}

// fakeSubscription never emits events; every scheduler test here cares
// about lease/consumer bookkeeping, not record delivery.
type fakeSubscription struct{ events chan consumer.ShardEvent }

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan consumer.ShardEvent)}
}
func (s *fakeSubscription) Events() <-chan consumer.ShardEvent { return s.events }
func (s *fakeSubscription) Err() error                         { return nil }
func (s *fakeSubscription) Close()                             {}

type fakeStreamClient struct{}

func (fakeStreamClient) ListShards(ctx context.Context, streamName string, token *string) ([]consumer.ShardInfoDescriptor, *string, error) {
	return nil, nil, nil
}

func (fakeStreamClient) SubscribeToShard(ctx context.Context, consumerARN, shardID string, pos consumer.StartingPosition) (consumer.StreamSubscription, error) {
	return newFakeSubscription(), nil
}

// trackingProcessor records its shard id and which terminal callback (if
// any) fired, enough for the scheduler tests below to tell a zombie
// teardown apart from a requested shutdown.
type trackingProcessor struct {
	shardID string
	onInit  func(shardID string)

	leaseLostCalls         atomic.Int32
	shardEndedCalls        atomic.Int32
	shutdownRequestedCalls atomic.Int32
}

func (p *trackingProcessor) Initialize(ctx context.Context, input consumer.InitializationInput) {
	if p.onInit != nil {
		p.onInit(p.shardID)
	}
}
func (p *trackingProcessor) ProcessRecords(ctx context.Context, input consumer.ProcessRecordsInput) {}
func (p *trackingProcessor) LeaseLost(ctx context.Context)                                          { p.leaseLostCalls.Add(1) }
func (p *trackingProcessor) ShardEnded(ctx context.Context)                                          { p.shardEndedCalls.Add(1) }
func (p *trackingProcessor) ShutdownRequested(ctx context.Context)                                   { p.shutdownRequestedCalls.Add(1) }

func fastConfig(workerID string) Config {
	cfg := DefaultConfig()
	cfg.WorkerID = workerID
	cfg.StreamName = "test-stream"
	cfg.ReconcileInterval = 5 * time.Millisecond
	cfg.Lease.TakerDelay = 5 * time.Millisecond
	cfg.Lease.RenewInterval = 5 * time.Millisecond
	cfg.Lease.Taker.WorkerID = workerID
	cfg.Lease.Taker.FailoverTime = 0
	cfg.Lease.Taker.MaxLeasesPerWorker = 10
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScheduler_StartsConsumerForNewlyOwnedShard(t *testing.T) {
	store := newFakeStore(lease.Lease{Key: "shard-1", Counter: 0})
	stream := fakeStreamClient{}

	var initialized atomic.Int32
	var initializedShard atomic.Value
	factory := func(shardID string) consumer.RecordProcessor {
		return &trackingProcessor{shardID: shardID, onInit: func(id string) {
			initialized.Add(1)
			initializedShard.Store(id)
		}}
	}

	sched := New(fastConfig("worker-1"), store, stream, factory)
	sched.Initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, 500*time.Millisecond, func() bool { return initialized.Load() == 1 })
	assert.Equal(t, "shard-1", initializedShard.Load())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	sched.Shutdown(shutdownCtx)
}

func TestScheduler_StopsConsumerWhenLeaseIsStolen(t *testing.T) {
	store := newFakeStore(lease.Lease{Key: "shard-1", Counter: 0})
	stream := fakeStreamClient{}

	var proc atomic.Pointer[trackingProcessor]
	factory := func(shardID string) consumer.RecordProcessor {
		p := &trackingProcessor{shardID: shardID}
		proc.Store(p)
		return p
	}

	sched := New(fastConfig("worker-1"), store, stream, factory)
	sched.Initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, 500*time.Millisecond, func() bool {
		sched.consumersMu.Lock()
		defer sched.consumersMu.Unlock()
		_, ok := sched.consumers["shard-1"]
		return ok
	})

	store.stealFrom("shard-1", "worker-2")

	waitFor(t, 500*time.Millisecond, func() bool {
		sched.consumersMu.Lock()
		defer sched.consumersMu.Unlock()
		_, ok := sched.consumers["shard-1"]
		return !ok
	})

	// A steal must surface to the processor as lease_lost, never as a
	// requested shutdown -- those are reserved for Scheduler.Shutdown.
	stolen := proc.Load()
	require.NotNil(t, stolen)
	assert.Equal(t, int32(1), stolen.leaseLostCalls.Load())
	assert.Equal(t, int32(0), stolen.shutdownRequestedCalls.Load())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	sched.Shutdown(shutdownCtx)
}

func TestScheduler_HasUnfinishedParentDefersChildShard(t *testing.T) {
	sched := New(fastConfig("worker-1"), newFakeStore(), fakeStreamClient{}, func(shardID string) consumer.RecordProcessor {
		return &trackingProcessor{shardID: shardID}
	})

	child := lease.ShardInfo{ShardID: "shard-child", ParentShardIDs: []string{"shard-parent"}}

	owned := map[string]lease.ShardInfo{
		"shard-parent": {ShardID: "shard-parent"},
		"shard-child":  child,
	}
	assert.True(t, sched.hasUnfinishedParent(child, owned))

	delete(owned, "shard-parent")
	assert.False(t, sched.hasUnfinishedParent(child, owned))
}

func TestScheduler_ShutdownIsIdempotent(t *testing.T) {
	store := newFakeStore()
	sched := New(fastConfig("worker-1"), store, fakeStreamClient{}, func(shardID string) consumer.RecordProcessor {
		return &trackingProcessor{shardID: shardID}
	})
	sched.Initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		sched.Shutdown(shutdownCtx)
		sched.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	require.True(t, true)
}
