package consumer

import "context"

// ShutdownReason names which terminal callback fired, mirroring the
// teacher's vmware-go-kcl ShutdownReason enum (Terminate/Zombie/Requested)
// as consumed by consumer/enhanced_consumer.go's EnhancedRecordProcessor.
type ShutdownReason int

const (
	// Terminate: the shard reached its end (closed by a split or merge);
	// child shards can now be processed.
	Terminate ShutdownReason = iota
	// Zombie: this worker lost the lease to another worker.
	Zombie
	// Requested: the application asked the consumer to shut down.
	Requested
)

func (r ShutdownReason) String() string {
	switch r {
	case Terminate:
		return "TERMINATE"
	case Zombie:
		return "ZOMBIE"
	case Requested:
		return "REQUESTED"
	default:
		return "UNKNOWN"
	}
}

// InitializationInput is passed to RecordProcessor.Initialize.
type InitializationInput struct {
	ShardID                string
	PendingCheckpointState []byte
}

// ProcessRecordsInput is passed to RecordProcessor.ProcessRecords.
type ProcessRecordsInput struct {
	Records      []Record
	IsAtShardEnd bool
	ChildShards  []ChildShard
	Checkpointer Checkpointer
}

// Checkpointer lets a processor mark progress. Its persistence is named as
// an external collaborator by the spec (out of core scope); this core only
// defines the interface and threads pending checkpoint bytes through
// Initialize.
type Checkpointer interface {
	// Checkpoint records progress up to sequenceNumber. A nil
	// sequenceNumber checkpoints at shard end.
	Checkpoint(ctx context.Context, sequenceNumber *string) error
}

// RecordProcessor is the capability set the application implements, one
// instance per shard, created by a factory the scheduler holds. Exactly
// one of LeaseLost, ShardEnded, ShutdownRequested fires per consumer
// lifetime, always after Initialize and after the last ProcessRecords call
// has returned.
type RecordProcessor interface {
	Initialize(ctx context.Context, input InitializationInput)
	ProcessRecords(ctx context.Context, input ProcessRecordsInput)
	LeaseLost(ctx context.Context)
	ShardEnded(ctx context.Context)
	ShutdownRequested(ctx context.Context)
}

// ProcessorFactory creates a fresh RecordProcessor for a shard. One
// application hosts one processor type in the common case; the factory
// indirection is what lets the scheduler advertise a callback instead of
// requiring a generic parameter, matching spec.md §9's "dynamic dispatch
// retained where the library advertises a factory callback".
type ProcessorFactory func(shardID string) RecordProcessor
