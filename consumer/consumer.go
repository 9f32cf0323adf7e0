package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the shard consumer's lifecycle stage, per spec.md §4.5:
//
//	New -> Initializing -> Subscribed -> Draining -> Done
type State int

const (
	StateNew State = iota
	StateInitializing
	StateSubscribed
	StateDraining
	StateDone
)

// backoff schedule for resubscribing after a transient stream error:
// exponential 100ms -> 10s, surfacing as LeaseLost after maxResubscribeAttempts.
var resubscribeBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	800 * time.Millisecond,
	3200 * time.Millisecond,
	10 * time.Second,
}

const maxResubscribeAttempts = len(resubscribeBackoff)

// Config configures a single shard Consumer.
type Config struct {
	ShardID                string
	ConsumerARN            string
	PendingCheckpointState []byte
	StartingPosition       StartingPosition
}

// Consumer drives one shard's lifecycle: subscribe, decode, dispatch to the
// processor, and terminate via exactly one of LeaseLost/ShardEnded/
// ShutdownRequested.
type Consumer struct {
	cfg       Config
	stream    StreamClient
	processor RecordProcessor
	logger    *logrus.Entry

	state atomic.Int32

	leaseLost chan struct{}
	shutdown  chan struct{}
	closeOnce sync.Once

	done chan struct{}
}

// New builds a Consumer for one shard. Start must be called to begin
// running it.
func New(cfg Config, stream StreamClient, processor RecordProcessor, logger *logrus.Entry) *Consumer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Consumer{
		cfg:       cfg,
		stream:    stream,
		processor: processor,
		logger:    logger.WithField("shard_id", cfg.ShardID),
		leaseLost: make(chan struct{}),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateNew))
	return c
}

// State returns the consumer's current lifecycle stage.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// IsShutdown reports true only after the processor's terminal callback has
// returned.
func (c *Consumer) IsShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the consumer has reached StateDone,
// letting a caller that signalled LeaseLost or Shutdown wait for the
// terminal callback to actually finish without picking which signal to
// send again.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// LeaseLost signals the consumer that the renewer dropped its lease; the
// consumer terminates without shard-end handling. Safe to call more than
// once or concurrently with Shutdown; only the first signal of either kind
// takes effect.
func (c *Consumer) LeaseLost() {
	c.closeOnce.Do(func() { close(c.leaseLost) })
}

// Shutdown signals the consumer to drain and terminate via
// ShutdownRequested, then blocks until it has.
func (c *Consumer) Shutdown(ctx context.Context) {
	c.closeOnce.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// Run drives the consumer's full lifecycle; it returns once the consumer
// has reached StateDone. Intended to be launched in its own goroutine by
// the scheduler.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	defer c.state.Store(int32(StateDone))

	c.state.Store(int32(StateInitializing))
	c.processor.Initialize(ctx, InitializationInput{
		ShardID:                c.cfg.ShardID,
		PendingCheckpointState: c.cfg.PendingCheckpointState,
	})

	c.state.Store(int32(StateSubscribed))
	c.runSubscriptionLoop(ctx)
}

func (c *Consumer) runSubscriptionLoop(ctx context.Context) {
	position := c.cfg.StartingPosition
	attempt := 0

	for {
		if c.shouldStop(ctx) {
			c.drain(ctx)
			return
		}

		sub, err := c.stream.SubscribeToShard(ctx, c.cfg.ConsumerARN, c.cfg.ShardID, position)
		if err != nil {
			if !c.backoffOrStop(ctx, &attempt) {
				return
			}
			continue
		}

		terminal, nextPosition, lostDuringRead := c.consumeSubscription(ctx, sub)
		sub.Close()

		switch {
		case lostDuringRead:
			c.terminate(ctx, Zombie)
			return
		case terminal:
			c.terminateShardEnd(ctx)
			return
		}

		if c.shouldStop(ctx) {
			c.drain(ctx)
			return
		}

		// Transient stream close without a terminal flag: resubscribe from
		// where we left off, with bounded exponential backoff.
		if nextPosition != nil {
			position = StartingPosition{Type: AtSequenceNumber, SequenceNumber: nextPosition}
		}
		if !c.backoffOrStop(ctx, &attempt) {
			return
		}
	}
}

// consumeSubscription reads events from sub until it closes, dispatching
// each to the processor in order and awaiting completion before reading
// the next. Returns whether a terminal (shard-end) event was seen, the
// last continuation sequence number observed, and whether the lease was
// lost mid-stream.
func (c *Consumer) consumeSubscription(ctx context.Context, sub StreamSubscription) (terminal bool, lastSeq *string, lost bool) {
	events := sub.Events()
	for {
		select {
		case <-c.leaseLost:
			return false, lastSeq, true
		case <-c.shutdown:
			return false, lastSeq, false
		case <-ctx.Done():
			return false, lastSeq, false
		case ev, ok := <-events:
			if !ok {
				return terminal, lastSeq, false
			}
			lastSeq = ev.ContinuationSequenceNumber

			c.processor.ProcessRecords(ctx, ProcessRecordsInput{
				Records:      ev.Records,
				IsAtShardEnd: ev.IsAtShardEnd,
				ChildShards:  ev.ChildShards,
				Checkpointer: noopCheckpointer{},
			})

			if ev.IsAtShardEnd {
				return true, lastSeq, false
			}
		}
	}
}

func (c *Consumer) shouldStop(ctx context.Context) bool {
	select {
	case <-c.leaseLost:
		return true
	case <-c.shutdown:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Consumer) drain(ctx context.Context) {
	c.state.Store(int32(StateDraining))
	select {
	case <-c.leaseLost:
		c.terminate(ctx, Zombie)
	default:
		c.terminate(ctx, Requested)
	}
}

func (c *Consumer) terminate(ctx context.Context, reason ShutdownReason) {
	c.state.Store(int32(StateDraining))
	switch reason {
	case Zombie:
		c.processor.LeaseLost(ctx)
	case Requested:
		c.processor.ShutdownRequested(ctx)
	}
}

func (c *Consumer) terminateShardEnd(ctx context.Context) {
	c.state.Store(int32(StateDraining))
	c.processor.ShardEnded(ctx)
}

// backoffOrStop sleeps the next backoff step. It returns false, having
// already run the terminal callback, if attempts are exhausted (LeaseLost)
// or if lease loss, shutdown or cancellation fires first (LeaseLost when
// the lease was lost, ShutdownRequested otherwise).
func (c *Consumer) backoffOrStop(ctx context.Context, attempt *int) bool {
	if *attempt >= maxResubscribeAttempts {
		c.logger.Warn("exhausted resubscribe attempts, surfacing as lease lost")
		c.terminate(ctx, Zombie)
		return false
	}
	delay := resubscribeBackoff[*attempt]
	*attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.leaseLost:
		c.terminate(ctx, Zombie)
		return false
	case <-c.shutdown:
		c.drain(ctx)
		return false
	case <-ctx.Done():
		c.drain(ctx)
		return false
	case <-timer.C:
		return true
	}
}

type noopCheckpointer struct{}

func (noopCheckpointer) Checkpoint(ctx context.Context, sequenceNumber *string) error { return nil }
