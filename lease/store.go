package lease

import "context"

// StoreClient is the adapter the taker and renewer use to talk to the
// external lease table. All mutating operations are conditional writes
// keyed on LeaseCounter, giving optimistic concurrency across the fleet
// without any coordination service.
//
// ListAll classifies a schema violation in one item (a malformed
// attribute, a missing required field) as errs.NonRetryable, logs it and
// skips that item, returning the rest; a failure of the scan itself
// (throttling, timeouts, network errors) is returned as errs.Retryable.
// Take and Renew only ever
// return an error for I/O failures; a lost race is reported via the bool
// return, never an error.
type StoreClient interface {
	// ListAll performs a strongly-consistent, paginated full scan of the
	// lease table.
	ListAll(ctx context.Context) ([]Lease, error)

	// Take attempts to set Owner := workerID and increment Counter,
	// conditioned on the stored counter still equalling lease.Counter (the
	// locally observed value). Returns true if the write won the race.
	Take(ctx context.Context, lease Lease, workerID string) (bool, error)

	// Renew attempts to increment Counter, conditioned on both Owner and
	// Counter still matching lease's locally observed values. Returns true
	// if the write won the race.
	Renew(ctx context.Context, lease Lease) (bool, error)
}
