package lease

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTaker(store StoreClient, clk *fakeClock, workerID string, cfg TakerConfig) (*Taker, *Renewer) {
	renewer := NewRenewer(store, clk, DefaultRenewerConfig(), nil)
	cfg.WorkerID = workerID
	taker := NewTaker(store, clk, cfg, renewer, nil)
	return taker, renewer
}

func TestTaker_TakesUnownedLeases(t *testing.T) {
	store := newFakeStore(
		Lease{Key: "shard-1", Counter: 0},
		Lease{Key: "shard-2", Counter: 0},
	)
	clk := &fakeClock{}
	cfg := DefaultTakerConfig("worker-1")
	cfg.MaxLeasesPerWorker = 10
	cfg.FailoverTime = 0
	taker, _ := newTestTaker(store, clk, "worker-1", cfg)

	// Unowned leases are shadowed with a zero last-renewal timestamp; the
	// clock must tick past that before isExpired reports them takeable.
	clk.Advance(1)

	taken, err := taker.takeLeases(context.Background())
	require.NoError(t, err)
	assert.Len(t, taken, 2)

	leases, _ := store.ListAll(context.Background())
	for _, l := range leases {
		require.NotNil(t, l.Owner)
		assert.Equal(t, "worker-1", *l.Owner)
	}
}

func TestTaker_TakesExpiredLeaseFromDeadWorker(t *testing.T) {
	deadOwner := "worker-dead"
	store := newFakeStore(Lease{Key: "shard-1", Owner: &deadOwner, Counter: 3})

	clk := &fakeClock{}
	cfg := DefaultTakerConfig("worker-1")
	cfg.FailoverTime = 1000
	taker, _ := newTestTaker(store, clk, "worker-1", cfg)

	// First pass: observes the lease as owned, not yet expired (shadow just
	// timestamped at now=0).
	taken, err := taker.takeLeases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, taken)

	// Advance past the failover window without the dead worker renewing.
	clk.Advance(2000)
	taken, err = taker.takeLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, "worker-1", *taken[0].Owner)
}

func TestTaker_DoesNotExceedMaxLeasesPerWorker(t *testing.T) {
	leases := make([]Lease, 0, 5)
	for i := 0; i < 5; i++ {
		leases = append(leases, Lease{Key: string(rune('a' + i)), Counter: 0})
	}
	store := newFakeStore(leases...)

	clk := &fakeClock{}
	cfg := DefaultTakerConfig("worker-1")
	cfg.MaxLeasesPerWorker = 2
	cfg.FailoverTime = 0
	taker, _ := newTestTaker(store, clk, "worker-1", cfg)
	clk.Advance(1)

	taken, err := taker.takeLeases(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(taken), 2)
}

func TestTaker_StealsFromBusiestWorkerWhenNoExpiredSupply(t *testing.T) {
	busy := "worker-busy"
	store := newFakeStore(
		Lease{Key: "shard-1", Owner: &busy, Counter: 1},
		Lease{Key: "shard-2", Owner: &busy, Counter: 1},
		Lease{Key: "shard-3", Owner: &busy, Counter: 1},
		Lease{Key: "shard-4", Owner: &busy, Counter: 1},
	)

	clk := &fakeClock{}
	cfg := DefaultTakerConfig("worker-1")
	cfg.FailoverTime = 1_000_000_000_000 // huge, nothing expires
	cfg.MaxStealsPerRun = 1
	taker, _ := newTestTaker(store, clk, "worker-1", cfg)

	taken, err := taker.takeLeases(context.Background())
	require.NoError(t, err)
	// 4 leases / 2 workers => target 2 per worker; worker-1 holds 0, steals 1
	// per pass up to MaxStealsPerRun.
	assert.Len(t, taken, 1)
	assert.Equal(t, "worker-1", *taken[0].Owner)
}

func TestTaker_NoActionWhenAlreadyBalanced(t *testing.T) {
	a, b := "worker-a", "worker-b"
	store := newFakeStore(
		Lease{Key: "shard-1", Owner: &a, Counter: 1},
		Lease{Key: "shard-2", Owner: &b, Counter: 1},
	)

	clk := &fakeClock{}
	cfg := DefaultTakerConfig("worker-a")
	cfg.FailoverTime = 1_000_000_000_000
	taker, _ := newTestTaker(store, clk, "worker-a", cfg)

	taken, err := taker.takeLeases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, taken)
}
