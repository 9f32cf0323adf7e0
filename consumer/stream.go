package consumer

import "context"

// StartingPosition tells a fresh subscription where in the shard to begin.
type StartingPosition struct {
	Type           StartingPositionType
	SequenceNumber *string
}

type StartingPositionType int

const (
	TrimHorizon StartingPositionType = iota
	Latest
	AtSequenceNumber
)

// ShardEvent is one item from a shard subscription: a batch of records,
// plus flags for shard end and any child shards produced by a reshard.
type ShardEvent struct {
	Records                    []Record
	ChildShards                []ChildShard
	ContinuationSequenceNumber *string
	IsAtShardEnd               bool
}

// StreamSubscription is the event sequence a shard subscription yields.
// Events is closed when the subscription ends (terminal event delivered,
// a read error, or Close/cancellation); Err reports a read error.
type StreamSubscription interface {
	Events() <-chan ShardEvent
	Err() error
	Close()
}

// StreamClient is the stream/store client consumed by the shard consumer,
// named as an external collaborator by the spec (concrete implementations
// -- e.g. kinesisstream.Client -- are out of core scope, only the
// interface is).
type StreamClient interface {
	// ListShards performs a paginated shard listing for streamName,
	// following continuationToken when non-nil.
	ListShards(ctx context.Context, streamName string, continuationToken *string) (shards []ShardInfoDescriptor, nextToken *string, err error)

	// SubscribeToShard opens a subscription to shardID starting at
	// startingPosition. consumerARN is the enhanced-fan-out consumer to
	// subscribe through; implementations that instead poll GetRecords may
	// ignore it.
	SubscribeToShard(ctx context.Context, consumerARN, shardID string, startingPosition StartingPosition) (StreamSubscription, error)
}

// ShardInfoDescriptor is what ListShards reports about one shard: its id
// and, if it is a child of a reshard, its parents.
type ShardInfoDescriptor struct {
	ShardID        string
	ParentShardIDs []string
}
