// Package consumer implements the per-shard consumer: it subscribes to a
// shard, decodes raw records into the neutral Record value, and drives the
// application-supplied RecordProcessor's lifecycle callbacks.
package consumer

// Record is the neutral, stream-implementation-independent record value
// handed to RecordProcessor.ProcessRecords. Field set and names are
// grounded on original_source/src/interface/record.rs's
// KinesisClientRecord.
type Record struct {
	SequenceNumber    string
	Data              []byte
	PartitionKey      string
	EncryptionType    *string
	SubSequenceNumber *uint64
	ExplicitHashKey   *string
	// Aggregated reports whether this record is a KPL-aggregated record.
	// Unpacking the aggregated sub-records is out of scope for this core
	// (named as an external collaborator in the spec); a processor that
	// cares must deaggregate itself.
	Aggregated bool
}

// ChildShard describes a shard produced by a reshard (split or merge),
// surfaced on the terminal event of a closed parent shard.
type ChildShard struct {
	ShardID        string
	ParentShardIDs []string
}
