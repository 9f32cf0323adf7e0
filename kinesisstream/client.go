// Package kinesisstream implements consumer.StreamClient against AWS
// Kinesis Data Streams via aws-sdk-go-v2, following the ListShards
// pagination loop in the teacher's
// k8s/test/test-consumer/lease_manager.go (NextToken-driven) and the
// DescribeStream / PutRecord calls in producer/producer.go.
//
// SubscribeToShard is always served by GetShardIterator + polling
// GetRecords, which needs no registered stream consumer; the consumerARN
// argument is ignored and enhanced fan-out is never used.
package kinesisstream

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"expr_mohan/kcl-lease/consumer"
)

// kplAggregationMagic is the 4-byte magic number KPL prefixes onto an
// aggregated record's payload (before a protobuf-encoded AggregatedRecord
// and a trailing md5 checksum). Detecting it is enough to set
// consumer.Record.Aggregated; unpacking the sub-records is out of scope.
var kplAggregationMagic = []byte{0xf3, 0x89, 0x9a, 0xc2}

// API is the subset of the Kinesis client this adapter needs.
type API interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// Client adapts a Kinesis stream to consumer.StreamClient.
type Client struct {
	api        API
	streamName string
	// PollInterval is the pause after every GetRecords call before the
	// next one, whether or not the call returned records. Mirrors the
	// teacher's IdleTimeBetweenReadsInMillis tunable.
	PollInterval time.Duration
}

// New returns a Client for streamName.
func New(api API, streamName string) *Client {
	return &Client{api: api, streamName: streamName, PollInterval: time.Second}
}

var _ consumer.StreamClient = (*Client)(nil)

func (c *Client) ListShards(ctx context.Context, streamName string, continuationToken *string) ([]consumer.ShardInfoDescriptor, *string, error) {
	resp, err := c.api.ListShards(ctx, &kinesis.ListShardsInput{
		StreamName: aws.String(streamName),
		NextToken:  continuationToken,
	})
	if err != nil {
		return nil, nil, err
	}

	out := make([]consumer.ShardInfoDescriptor, 0, len(resp.Shards))
	for _, s := range resp.Shards {
		d := consumer.ShardInfoDescriptor{ShardID: aws.ToString(s.ShardId)}
		if s.ParentShardId != nil {
			d.ParentShardIDs = append(d.ParentShardIDs, aws.ToString(s.ParentShardId))
		}
		if s.AdjacentParentShardId != nil {
			d.ParentShardIDs = append(d.ParentShardIDs, aws.ToString(s.AdjacentParentShardId))
		}
		out = append(out, d)
	}
	return out, resp.NextToken, nil
}

func (c *Client) SubscribeToShard(ctx context.Context, consumerARN, shardID string, startingPosition consumer.StartingPosition) (consumer.StreamSubscription, error) {
	iterType := toIteratorType(startingPosition)
	iterInput := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(c.streamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: iterType,
	}
	if startingPosition.SequenceNumber != nil {
		iterInput.StartingSequenceNumber = startingPosition.SequenceNumber
	}

	resp, err := c.api.GetShardIterator(ctx, iterInput)
	if err != nil {
		return nil, err
	}

	sub := &pollingSubscription{
		api:      c.api,
		iterator: aws.ToString(resp.ShardIterator),
		interval: c.PollInterval,
		events:   make(chan consumer.ShardEvent),
		done:     make(chan struct{}),
	}
	sub.start(ctx)
	return sub, nil
}

func toIteratorType(pos consumer.StartingPosition) types.ShardIteratorType {
	switch pos.Type {
	case consumer.Latest:
		return types.ShardIteratorTypeLatest
	case consumer.AtSequenceNumber:
		return types.ShardIteratorTypeAtSequenceNumber
	default:
		return types.ShardIteratorTypeTrimHorizon
	}
}

// pollingSubscription emulates a shard subscription by polling GetRecords
// on an interval, since not every deployment registers an enhanced
// fan-out consumer.
type pollingSubscription struct {
	api      API
	iterator string
	interval time.Duration

	events chan consumer.ShardEvent
	done   chan struct{}
	err    error
}

func (s *pollingSubscription) start(ctx context.Context) {
	go func() {
		defer close(s.events)
		iterator := s.iterator
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			default:
			}

			if iterator == "" {
				// The previous GetRecords call reported no further shard
				// iterator: the shard has closed.
				return
			}

			resp, err := s.api.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: aws.String(iterator)})
			if err != nil {
				s.err = err
				return
			}

			ev := consumer.ShardEvent{Records: decodeRecords(resp.Records)}
			if len(resp.Records) > 0 {
				last := resp.Records[len(resp.Records)-1]
				ev.ContinuationSequenceNumber = last.SequenceNumber
			}
			if resp.ChildShards != nil {
				ev.IsAtShardEnd = true
				for _, cs := range resp.ChildShards {
					child := consumer.ChildShard{ShardID: aws.ToString(cs.ShardId)}
					for _, p := range cs.ParentShards {
						child.ParentShardIDs = append(child.ParentShardIDs, p)
					}
					ev.ChildShards = append(ev.ChildShards, child)
				}
			}

			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}

			if ev.IsAtShardEnd {
				return
			}

			iterator = aws.ToString(resp.NextShardIterator)

			timer := time.NewTimer(s.interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.done:
				timer.Stop()
				return
			}
		}
	}()
}

func (s *pollingSubscription) Events() <-chan consumer.ShardEvent { return s.events }
func (s *pollingSubscription) Err() error                         { return s.err }
func (s *pollingSubscription) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func decodeRecords(records []types.Record) []consumer.Record {
	out := make([]consumer.Record, 0, len(records))
	for _, r := range records {
		rec := consumer.Record{
			SequenceNumber: aws.ToString(r.SequenceNumber),
			Data:           r.Data,
			PartitionKey:   aws.ToString(r.PartitionKey),
			Aggregated:     isAggregated(r.Data),
		}
		if r.EncryptionType != "" {
			enc := string(r.EncryptionType)
			rec.EncryptionType = &enc
		}
		out = append(out, rec)
	}
	return out
}

func isAggregated(data []byte) bool {
	if len(data) < len(kplAggregationMagic) {
		return false
	}
	return binary.BigEndian.Uint32(data[:4]) == binary.BigEndian.Uint32(kplAggregationMagic)
}
