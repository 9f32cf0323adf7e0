package lease

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewer_RunOnce_RenewsOwnedLeases(t *testing.T) {
	owner := "worker-1"
	store := newFakeStore(Lease{Key: "shard-1", Owner: &owner, Counter: 5})

	clk := &fakeClock{}
	r := NewRenewer(store, clk, RenewerConfig{FanOut: 4}, nil)
	r.AddLeases([]Lease{{Key: "shard-1", Owner: &owner, Counter: 5}})

	clk.Advance(1000)
	r.RunOnce(context.Background())

	owned := r.OwnedShards()
	require.Len(t, owned, 1)
	assert.Equal(t, "shard-1", owned[0].ShardID)

	stored, _ := store.ListAll(context.Background())
	require.Len(t, stored, 1)
	assert.Equal(t, uint64(6), stored[0].Counter)
}

func TestRenewer_RunOnce_DropsLeaseOnLostRace(t *testing.T) {
	owner := "worker-1"
	store := newFakeStore(Lease{Key: "shard-1", Owner: &owner, Counter: 5})

	clk := &fakeClock{}
	r := NewRenewer(store, clk, DefaultRenewerConfig(), nil)
	r.AddLeases([]Lease{{Key: "shard-1", Owner: &owner, Counter: 5}})

	// Another worker stole the lease between our scan and our renew attempt.
	store.setOwner("shard-1", "worker-2", 6)

	r.RunOnce(context.Background())

	assert.Empty(t, r.OwnedShards())
}

func TestRenewer_RunOnce_DropsLeaseDeletedFromStore(t *testing.T) {
	owner := "worker-1"
	store := newFakeStore(Lease{Key: "shard-1", Owner: &owner, Counter: 5})
	// Remove the lease entirely out from under the renewer, which the fake
	// reports back as a lost race (false, nil), not as an error.
	delete(store.leases, "shard-1")

	clk := &fakeClock{}
	r := NewRenewer(store, clk, DefaultRenewerConfig(), nil)
	r.AddLeases([]Lease{{Key: "shard-1", Owner: &owner, Counter: 5}})

	r.RunOnce(context.Background())

	assert.Empty(t, r.OwnedShards())
}
