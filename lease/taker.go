package lease

import (
	"context"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"expr_mohan/kcl-lease/clock"
)

// TakerConfig tunes the rebalance algorithm. Defaults follow the spec's
// recommended values, named after the teacher's YAML-configured
// MaxLeasesForWorker / MaxLeasesToStealAtOneTime / FailoverTimeMillis.
type TakerConfig struct {
	WorkerID           string
	MaxLeasesPerWorker int
	MaxStealsPerRun    int
	FailoverTime       uint64 // nanoseconds
	TakeFanOut         int
}

// DefaultTakerConfig returns the spec's recommended defaults for a worker
// identified by workerID: 1000 max leases, steal at most 1 per run, 30s
// failover time.
func DefaultTakerConfig(workerID string) TakerConfig {
	return TakerConfig{
		WorkerID:           workerID,
		MaxLeasesPerWorker: 1000,
		MaxStealsPerRun:    1,
		FailoverTime:       uint64(30_000_000_000),
		TakeFanOut:         8,
	}
}

// Taker periodically rebalances lease ownership: it scans the lease table,
// computes how many leases this worker should hold, and either takes
// expired leases or steals from the busiest peer to get there.
type Taker struct {
	store   StoreClient
	clock   clock.Clock
	cfg     TakerConfig
	renewer *Renewer
	logger  *logrus.Entry
	rng     *rand.Rand

	mu     sync.Mutex
	shadow map[string]*shadowLease
}

// NewTaker builds a Taker against store, handing newly taken leases to
// renewer so they start being kept alive immediately.
func NewTaker(store StoreClient, clk clock.Clock, cfg TakerConfig, renewer *Renewer, logger *logrus.Entry) *Taker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Taker{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		renewer: renewer,
		logger:  logger,
		rng:     rand.New(rand.NewSource(rand.Int63())),
		shadow:  make(map[string]*shadowLease),
	}
}

// RunOnce executes one rebalance pass: refresh the shadow from the store,
// compute this worker's target lease count, then take expired leases or
// steal from the busiest peer to close the gap.
func (t *Taker) RunOnce(ctx context.Context) {
	taken, err := t.takeLeases(ctx)
	if err != nil {
		t.logger.WithError(err).Warn("taker pass failed")
		return
	}
	if len(taken) > 0 {
		t.renewer.AddLeases(taken)
	}
}

func (t *Taker) takeLeases(ctx context.Context) ([]Lease, error) {
	if err := t.refreshShadowFromSource(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	now := t.clock.NowMonotonic()

	expiredKeys := make([]string, 0)
	ownerCounts := make(map[string]int) // worker id -> held, non-expired lease count
	heldBySelf := 0

	for key, sh := range t.shadow {
		l := sh.snapshot()
		if sh.isExpired(now, t.cfg.FailoverTime) {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		if l.Owner == nil {
			continue
		}
		ownerCounts[*l.Owner]++
		if *l.Owner == t.cfg.WorkerID {
			heldBySelf++
		}
	}
	// This worker always counts as an active worker, even holding zero leases.
	if _, ok := ownerCounts[t.cfg.WorkerID]; !ok {
		ownerCounts[t.cfg.WorkerID] = 0
	}

	totalLeases := len(t.shadow)
	numWorkers := len(ownerCounts)

	target := 1
	if numWorkers < totalLeases {
		target = ceilDiv(totalLeases, numWorkers)
		if target > t.cfg.MaxLeasesPerWorker {
			target = t.cfg.MaxLeasesPerWorker
		}
	}

	available := target - heldBySelf
	if available <= 0 {
		t.mu.Unlock()
		return nil, nil
	}

	var candidates []string
	if len(expiredKeys) > 0 {
		t.rng.Shuffle(len(expiredKeys), func(i, j int) { expiredKeys[i], expiredKeys[j] = expiredKeys[j], expiredKeys[i] })
		n := available
		if n > len(expiredKeys) {
			n = len(expiredKeys)
		}
		candidates = expiredKeys[:n]
	} else {
		candidates = t.planSteal(ownerCounts, available, target)
	}

	// Copy candidate Lease values out before releasing the lock; take()
	// races against other workers via the store, not against our own shadow.
	leaseValues := make(map[string]Lease, len(candidates))
	for _, key := range candidates {
		if sh, ok := t.shadow[key]; ok {
			leaseValues[key] = sh.snapshot()
		}
	}
	t.mu.Unlock()

	return t.attemptTakes(ctx, candidates, leaseValues)
}

// planSteal selects victim lease keys from the busiest peer when there is
// no expired supply. Must be called with t.mu held.
func (t *Taker) planSteal(ownerCounts map[string]int, available, target int) []string {
	busiestWorker := ""
	busiestCount := -1
	for worker, count := range ownerCounts {
		if worker == t.cfg.WorkerID {
			continue
		}
		if count > busiestCount {
			busiestCount = count
			busiestWorker = worker
		}
	}
	if busiestWorker == "" || busiestCount < target {
		return nil
	}

	stealable := busiestCount - target
	toSteal := minInt(stealable, available, t.cfg.MaxStealsPerRun)
	if toSteal == 0 && available > 1 {
		// Busiest peer sits exactly at target but we still need >=2 leases:
		// steal one anyway to force progress, the next pass re-evaluates.
		toSteal = 1
	}
	if toSteal <= 0 {
		return nil
	}

	var victims []string
	for key, sh := range t.shadow {
		l := sh.snapshot()
		if l.Owner != nil && *l.Owner == busiestWorker {
			victims = append(victims, key)
		}
	}
	t.rng.Shuffle(len(victims), func(i, j int) { victims[i], victims[j] = victims[j], victims[i] })
	if toSteal > len(victims) {
		toSteal = len(victims)
	}
	return victims[:toSteal]
}

// attemptTakes invokes the store's conditional take for each candidate,
// bounded fan-out. Successful takes get their local last-renewal timestamp
// reset to now and are returned for handoff to the renewer; failures are
// dropped silently (spec.md §4.3 step 6).
func (t *Taker) attemptTakes(ctx context.Context, keys []string, values map[string]Lease) ([]Lease, error) {
	var mu sync.Mutex
	var taken []Lease

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(t.cfg.TakeFanOut, 1))
	for _, key := range keys {
		key := key
		l, ok := values[key]
		if !ok {
			continue
		}
		g.Go(func() error {
			ok, err := t.store.Take(gctx, l, t.cfg.WorkerID)
			if err != nil {
				t.logger.WithError(err).WithField("lease_key", key).Warn("take attempt failed")
				return nil
			}
			if !ok {
				return nil
			}

			owner := t.cfg.WorkerID
			l.Owner = &owner
			l.Counter++
			now := t.clock.NowMonotonic()

			t.mu.Lock()
			if sh, exists := t.shadow[key]; exists {
				sh.touch(l, now)
			} else {
				t.shadow[key] = newShadowLease(l, now)
			}
			t.mu.Unlock()

			mu.Lock()
			taken = append(taken, l)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return taken, nil
}

// refreshShadowFromSource implements spec.md §4.3 step 1: scan the lease
// table and reconcile the in-memory shadow against it.
func (t *Taker) refreshShadowFromSource(ctx context.Context) error {
	fresh, err := t.store.ListAll(ctx)
	if err != nil {
		return err
	}

	now := t.clock.NowMonotonic()
	freshKeys := make(map[string]struct{}, len(fresh))

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range fresh {
		freshKeys[l.Key] = struct{}{}

		existing, hadShadow := t.shadow[l.Key]
		switch {
		case hadShadow && existing.snapshot().Counter == l.Counter:
			// Owner has not renewed since our last scan: carry the existing
			// last-renewal timestamp forward, just refresh the cached value.
			existing.carryForward(l)
		case hadShadow:
			// Counter advanced since last scan (renew or a peer's take): reset
			// the local renewal clock to now.
			existing.touch(l, now)
		case l.Owner != nil:
			// No prior shadow, but the table says it's owned: this worker is
			// seeing it for the first time, timestamp it as of this scan.
			t.shadow[l.Key] = newShadowLease(l, now)
		default:
			// No prior shadow and unowned: immediately eligible for taking.
			t.shadow[l.Key] = newShadowLease(l, 0)
		}
	}

	// Drop shadow entries for keys the fresh scan no longer reports.
	for key := range t.shadow {
		if _, ok := freshKeys[key]; !ok {
			delete(t.shadow, key)
		}
	}

	return nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
