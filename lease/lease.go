// Package lease implements the lease table shadow, the lease taker, the
// lease renewer, and the lease manager that composes them: the core
// optimistic-concurrency coordination subsystem a fleet of workers uses to
// agree, without a coordination service, on which worker owns which shard.
package lease

import "sync"

// Lease is the persisted entity for one shard: who owns it, and the
// optimistic-concurrency token (LeaseCounter) conditional writes key on.
// Checkpoint and OwnershipTimeNanos are application-opaque / informational
// and are never interpreted by this package.
type Lease struct {
	Key                string
	Owner              *string
	Counter            uint64
	Checkpoint         []byte
	OwnershipTimeNanos uint64
	ParentShardIDs     []string
}

// IsOwnedBy reports whether the lease's current owner matches worker.
func (l *Lease) IsOwnedBy(worker string) bool {
	return l.Owner != nil && *l.Owner == worker
}

// ShardInfo is a value object derived from a lease. Its ParentShardIDs
// slice makes it non-comparable, so maps that track shards (the owned set,
// the scheduler's consumer map) are keyed by ShardID alone.
type ShardInfo struct {
	ShardID        string
	ParentShardIDs []string
}

// shadowLease is one worker's in-memory view of a lease, augmented with the
// local monotonic-clock reading at which this worker last observed the
// lease counter advance. last_renewal_nanos is owned by exactly one
// worker and is the sole input to this worker's expiry decision.
type shadowLease struct {
	mu sync.RWMutex

	lease            Lease
	lastRenewalNanos uint64
}

func newShadowLease(l Lease, lastRenewalNanos uint64) *shadowLease {
	return &shadowLease{lease: l, lastRenewalNanos: lastRenewalNanos}
}

func (s *shadowLease) snapshot() Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lease
}

func (s *shadowLease) lastRenewal() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRenewalNanos
}

func (s *shadowLease) isExpired(now uint64, failoverTime uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now-s.lastRenewalNanos > failoverTime
}

// touch records that the counter advanced at monotonic time now, and
// stores the fresh lease value.
func (s *shadowLease) touch(l Lease, now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = l
	s.lastRenewalNanos = now
}

// carryForward keeps the existing lastRenewalNanos but refreshes the
// cached lease value (used when the counter has not moved since last scan).
func (s *shadowLease) carryForward(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = l
}
