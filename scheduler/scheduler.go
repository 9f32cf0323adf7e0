// Package scheduler implements the top-level worker scheduler: it
// reconciles the set of leases this worker currently owns (per the lease
// manager) against a set of running shard consumers, starting consumers
// for newly owned shards and tearing down consumers for lost ones, and
// orchestrates shutdown across the whole fleet of local components.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"expr_mohan/kcl-lease/clock"
	"expr_mohan/kcl-lease/consumer"
	"expr_mohan/kcl-lease/lease"
	"expr_mohan/kcl-lease/periodic"
)

// Config configures the scheduler and, transitively, the lease manager it
// owns.
type Config struct {
	// WorkerID identifies this worker fleet-wide. Empty means "generate a
	// random one at startup" per spec.md §3 ("randomly generated once at
	// startup").
	WorkerID string

	StreamName       string
	ConsumerARN      string
	StartingPosition consumer.StartingPosition

	ReconcileInterval time.Duration
	Lease             lease.ManagerConfig

	Logger *logrus.Entry
}

// DefaultConfig fills in a random WorkerID and the spec's recommended
// cadences/tunables, leaving StreamName/ConsumerARN for the caller.
func DefaultConfig() Config {
	workerID := randomWorkerID()
	return Config{
		WorkerID:          workerID,
		ReconcileInterval: 10 * time.Second,
		Lease:             lease.DefaultManagerConfig(workerID),
	}
}

func randomWorkerID() string {
	return uuid.NewString()
}

// Scheduler is the public entry point: construct it with a processor
// factory and a stream/lease-store client, Initialize, Run (blocks until
// shutdown), Shutdown (idempotent).
type Scheduler struct {
	cfg       Config
	stream    consumer.StreamClient
	manager   *lease.Manager
	factory   consumer.ProcessorFactory
	logger    *logrus.Entry
	clock     clock.Clock

	consumersMu sync.Mutex
	consumers   map[string]*runningConsumer

	reconcileTask *periodic.Task

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

type runningConsumer struct {
	consumer *consumer.Consumer
	cancel   context.CancelFunc
}

// New builds a Scheduler. store is the lease table adapter; stream is the
// record-stream client; factory creates one RecordProcessor per shard.
func New(cfg Config, store lease.StoreClient, stream consumer.StreamClient, factory consumer.ProcessorFactory) *Scheduler {
	if cfg.WorkerID == "" {
		cfg.WorkerID = randomWorkerID()
		cfg.Lease.Taker.WorkerID = cfg.WorkerID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	clk := clock.NewReal()

	return &Scheduler{
		cfg:        cfg,
		stream:     stream,
		manager:    lease.NewManager(store, clk, cfg.Lease, logger),
		factory:    factory,
		logger:     logger,
		clock:      clk,
		consumers:  make(map[string]*runningConsumer),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Initialize prepares the lease manager. Must be called before Run.
func (s *Scheduler) Initialize() {
	s.manager.Initialize()
}

// Run starts the lease manager and the reconcile loop, and blocks until
// Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.manager.Start(ctx)

	s.reconcileTask = periodic.NewFixedInterval(runnableFunc(s.reconcileOnce), s.cfg.ReconcileInterval, nil)
	s.reconcileTask.Start(ctx)

	select {
	case <-s.shutdownCh:
	case <-ctx.Done():
	}

	if s.reconcileTask != nil {
		s.reconcileTask.Stop()
	}
	s.shutdownAllConsumers(ctx)
	s.manager.Shutdown()

	close(s.doneCh)
}

// Shutdown signals the scheduler to stop and blocks until it has: every
// consumer has drained, the reconcile loop has exited, and the lease
// manager (taker + renewer) has stopped. Safe to call more than once; only
// the first call initiates shutdown, later callers simply wait.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
}

func (s *Scheduler) reconcileOnce(ctx context.Context) {
	owned := s.manager.GetOwnedLeases()

	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	for shardID, shard := range owned {
		if _, running := s.consumers[shardID]; running {
			continue
		}
		if s.hasUnfinishedParent(shard, owned) {
			// Defer starting a child shard's consumer while any of its
			// parents is still in this worker's owned set.
			continue
		}
		s.startConsumerLocked(ctx, shard)
	}

	var toStop []string
	for shardID := range s.consumers {
		if _, stillOwned := owned[shardID]; !stillOwned {
			toStop = append(toStop, shardID)
		}
	}
	for _, shardID := range toStop {
		rc := s.consumers[shardID]
		// The lease is gone because a peer took it out from under us (or the
		// renewer otherwise dropped it), not because the application asked to
		// stop: fire LeaseLost so the processor's zombie callback runs, not
		// ShutdownRequested.
		rc.consumer.LeaseLost()
		rc.cancel()
		select {
		case <-rc.consumer.Done():
		case <-ctx.Done():
		}
		delete(s.consumers, shardID)
	}
}

// hasUnfinishedParent reports whether any of shard's declared parents are
// still present in this worker's owned set. Shard-end is not tracked: a
// parent whose consumer has ended still counts while its lease stays
// owned, and a parent held by another worker does not count at all.
func (s *Scheduler) hasUnfinishedParent(shard lease.ShardInfo, owned map[string]lease.ShardInfo) bool {
	for _, parentID := range shard.ParentShardIDs {
		if _, stillOwned := owned[parentID]; stillOwned {
			return true
		}
	}
	return false
}

func (s *Scheduler) startConsumerLocked(ctx context.Context, shard lease.ShardInfo) {
	consumerCtx, cancel := context.WithCancel(ctx)
	processor := s.factory(shard.ShardID)

	c := consumer.New(consumer.Config{
		ShardID:          shard.ShardID,
		ConsumerARN:      s.cfg.ConsumerARN,
		StartingPosition: s.cfg.StartingPosition,
	}, s.stream, processor, s.logger)

	s.consumers[shard.ShardID] = &runningConsumer{consumer: c, cancel: cancel}
	go c.Run(consumerCtx)
}

func (s *Scheduler) shutdownAllConsumers(ctx context.Context) {
	s.consumersMu.Lock()
	running := make([]*runningConsumer, 0, len(s.consumers))
	for _, rc := range s.consumers {
		running = append(running, rc)
	}
	s.consumers = make(map[string]*runningConsumer)
	s.consumersMu.Unlock()

	var wg sync.WaitGroup
	for _, rc := range running {
		rc := rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc.cancel()
			rc.consumer.Shutdown(ctx)
		}()
	}
	wg.Wait()
}

type runnableFunc func(ctx context.Context)

func (f runnableFunc) RunOnce(ctx context.Context) { f(ctx) }
