package lease

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"expr_mohan/kcl-lease/clock"
)

// RenewerConfig tunes the renewer's behavior.
type RenewerConfig struct {
	// FanOut bounds how many Renew calls are in flight at once within a
	// single pass; renewal order within a pass is otherwise unspecified.
	FanOut int
}

// DefaultRenewerConfig returns the spec's recommended renewer tunables.
func DefaultRenewerConfig() RenewerConfig {
	return RenewerConfig{FanOut: 8}
}

// Renewer periodically refreshes every lease this worker holds, dropping
// any it fails to renew. A single renew failure drops only that lease
// locally; there is no retry within a pass -- the next pass, one renew
// interval later and well inside the failover time, is the retry.
type Renewer struct {
	store  StoreClient
	clock  clock.Clock
	cfg    RenewerConfig
	logger *logrus.Entry

	mu     sync.RWMutex
	leases map[string]*shadowLease
}

// NewRenewer builds a Renewer against store, using clk for expiry-adjacent
// bookkeeping (the renewer itself does not judge expiry -- the taker does
// -- but it timestamps successful renewals on its own copy of each lease;
// the taker does not read these and instead sees the counter advance on
// its next scan).
func NewRenewer(store StoreClient, clk clock.Clock, cfg RenewerConfig, logger *logrus.Entry) *Renewer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Renewer{
		store:  store,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
		leases: make(map[string]*shadowLease),
	}
}

// AddLeases merges newly taken leases into the renewal set.
func (r *Renewer) AddLeases(leases []Lease) {
	now := r.clock.NowMonotonic()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range leases {
		r.leases[l.Key] = newShadowLease(l, now)
	}
}

// OwnedShards returns a snapshot of the shards currently held in the
// renewal set, the manager's "currently owned shards" view.
func (r *Renewer) OwnedShards() []ShardInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardInfo, 0, len(r.leases))
	for _, sh := range r.leases {
		l := sh.snapshot()
		out = append(out, ShardInfo{ShardID: l.Key, ParentShardIDs: l.ParentShardIDs})
	}
	return out
}

// RunOnce performs one renewal pass: snapshot the held keys, renew each
// (bounded fan-out, order unspecified), then drop whatever failed.
func (r *Renewer) RunOnce(ctx context.Context) {
	r.mu.RLock()
	snapshot := make(map[string]*shadowLease, len(r.leases))
	for k, v := range r.leases {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	expired := make([]string, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(r.cfg.FanOut, 1))
	for key, sh := range snapshot {
		key, sh := key, sh
		g.Go(func() error {
			ok, err := r.store.Renew(gctx, sh.snapshot())
			if err != nil {
				r.logger.WithError(err).WithField("lease_key", key).Warn("renew failed, dropping lease locally")
				mu.Lock()
				expired = append(expired, key)
				mu.Unlock()
				return nil
			}
			if !ok {
				r.logger.WithField("lease_key", key).Info("lease renewal lost race, dropping lease locally")
				mu.Lock()
				expired = append(expired, key)
				mu.Unlock()
				return nil
			}
			l := sh.snapshot()
			l.Counter++
			sh.touch(l, r.clock.NowMonotonic())
			return nil
		})
	}
	// Renewal never returns an error from g.Go above (failures are absorbed
	// per the per-lease errs.Retryable policy), so the group cannot fail.
	_ = g.Wait()

	if len(expired) == 0 {
		return
	}
	r.mu.Lock()
	for _, key := range expired {
		delete(r.leases, key)
	}
	r.mu.Unlock()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
