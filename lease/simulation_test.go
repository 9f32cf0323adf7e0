package lease

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simWorker bundles one worker's taker/renewer pair, driven directly by the
// test rather than through periodic.Task, so rounds are deterministic.
type simWorker struct {
	id      string
	taker   *Taker
	renewer *Renewer
}

func newSimFleet(store *fakeStore, clk *fakeClock, n int) []*simWorker {
	workers := make([]*simWorker, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%d", i)
		renewer := NewRenewer(store, clk, RenewerConfig{FanOut: 8}, nil)
		cfg := DefaultTakerConfig(id)
		cfg.FailoverTime = 0
		taker := NewTaker(store, clk, cfg, renewer, nil)
		workers[i] = &simWorker{id: id, taker: taker, renewer: renewer}
	}
	return workers
}

// TestSimulation_AtMostOneOwnerPerShard drives a fleet of workers through
// several rebalance+renew rounds over a shared fake lease table and checks
// that no two workers ever believe they own the same shard at once --
// the invariant the conditional-write take/renew protocol exists to uphold.
func TestSimulation_AtMostOneOwnerPerShard(t *testing.T) {
	const numShards = 12
	const numWorkers = 4

	leases := make([]Lease, numShards)
	for i := range leases {
		leases[i] = Lease{Key: fmt.Sprintf("shard-%d", i), Counter: 0}
	}
	store := newFakeStore(leases...)
	clk := &fakeClock{}
	workers := newSimFleet(store, clk, numWorkers)

	for round := 0; round < 20; round++ {
		clk.Advance(1)
		for _, w := range workers {
			w.taker.RunOnce(context.Background())
		}
		for _, w := range workers {
			w.renewer.RunOnce(context.Background())
		}

		seen := make(map[string]string) // shard -> owning worker, per this round
		for _, w := range workers {
			for _, shard := range w.renewer.OwnedShards() {
				if prior, ok := seen[shard.ShardID]; ok {
					t.Fatalf("round %d: shard %s claimed by both %s and %s", round, shard.ShardID, prior, w.id)
				}
				seen[shard.ShardID] = w.id
			}
		}
	}
}

// TestSimulation_EventuallyBalances checks that after enough rebalance
// rounds, every worker in an idle fleet (no failures, no new shards) ends up
// holding within one lease of numShards/numWorkers.
func TestSimulation_EventuallyBalances(t *testing.T) {
	const numShards = 20
	const numWorkers = 5

	leases := make([]Lease, numShards)
	for i := range leases {
		leases[i] = Lease{Key: fmt.Sprintf("shard-%d", i), Counter: 0}
	}
	store := newFakeStore(leases...)
	clk := &fakeClock{}
	workers := newSimFleet(store, clk, numWorkers)

	for round := 0; round < 50; round++ {
		clk.Advance(1)
		for _, w := range workers {
			w.taker.RunOnce(context.Background())
		}
		for _, w := range workers {
			w.renewer.RunOnce(context.Background())
		}
	}

	target := numShards / numWorkers
	total := 0
	for _, w := range workers {
		held := len(w.renewer.OwnedShards())
		total += held
		assert.GreaterOrEqualf(t, held, target-1, "%s holds %d, expected near %d", w.id, held, target)
		assert.LessOrEqualf(t, held, target+1, "%s holds %d, expected near %d", w.id, held, target)
	}
	require.Equal(t, numShards, total, "every shard must end up owned by exactly one worker")
}
