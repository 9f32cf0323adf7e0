// Package dynamodbstore implements lease.StoreClient against a DynamoDB
// table, following the conditional-write pattern in the teacher's
// KDSLeaseManager.TryCreateCoordinatorMetadata / UpdateCoordinatorMetadata:
// a PutItem with a ConditionExpression checked against the caller's
// locally-observed values, so a lost race surfaces as
// ConditionalCheckFailedException rather than an error the caller must
// distinguish from an I/O failure.
package dynamodbstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"expr_mohan/kcl-lease/errs"
	"expr_mohan/kcl-lease/lease"
)

const (
	attrLeaseKey    = "lease_key"
	attrOwner       = "lease_owner"
	attrCounter     = "lease_counter"
	attrCheckpoint  = "checkpoint"
	attrOwnershipAt = "ownership_time_nanos"
	attrParents     = "parent_shard_ids"
)

// API is the subset of the DynamoDB client this adapter needs, narrowed so
// tests can substitute a fake without pulling in the full SDK surface.
type API interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client adapts a DynamoDB table to lease.StoreClient.
type Client struct {
	api    API
	table  string
	logger *logrus.Entry
}

// New returns a lease.StoreClient backed by table on the given DynamoDB
// client.
func New(api API, table string) *Client {
	return &Client{api: api, table: table, logger: logrus.NewEntry(logrus.StandardLogger())}
}

var _ lease.StoreClient = (*Client)(nil)

func (c *Client) ListAll(ctx context.Context) ([]lease.Lease, error) {
	var (
		out        []lease.Lease
		startKey   map[string]types.AttributeValue
		consistent = true
	)

	for {
		resp, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(c.table),
			ConsistentRead:    aws.Bool(consistent),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, classifyScanError(err)
		}

		for _, item := range resp.Items {
			l, err := decodeLease(item)
			if err != nil {
				// A single malformed item must not abort the scan: skip just this
				// row and keep going, so the taker still sees every well-formed
				// lease in the table.
				c.logger.WithError(errs.NewNonRetryable(err)).Warn("skipping malformed lease item")
				continue
			}
			out = append(out, l)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	return out, nil
}

func (c *Client) Take(ctx context.Context, l lease.Lease, workerID string) (bool, error) {
	item := encodeLease(l)
	item[attrOwner] = &types.AttributeValueMemberS{Value: workerID}
	item[attrCounter] = &types.AttributeValueMemberN{Value: strconv.FormatUint(l.Counter+1, 10)}

	condition := "attribute_not_exists(" + attrCounter + ") OR " + attrCounter + " = :expectedCounter"
	values := map[string]types.AttributeValue{
		":expectedCounter": &types.AttributeValueMemberN{Value: strconv.FormatUint(l.Counter, 10)},
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(c.table),
		Item:                      item,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	return conditionalWriteResult(err)
}

func (c *Client) Renew(ctx context.Context, l lease.Lease) (bool, error) {
	item := encodeLease(l)
	item[attrCounter] = &types.AttributeValueMemberN{Value: strconv.FormatUint(l.Counter+1, 10)}

	condition := attrCounter + " = :expectedCounter AND " + attrOwner + " = :expectedOwner"
	values := map[string]types.AttributeValue{
		":expectedCounter": &types.AttributeValueMemberN{Value: strconv.FormatUint(l.Counter, 10)},
	}
	if l.Owner != nil {
		values[":expectedOwner"] = &types.AttributeValueMemberS{Value: *l.Owner}
	} else {
		values[":expectedOwner"] = &types.AttributeValueMemberNULL{Value: true}
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(c.table),
		Item:                      item,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	return conditionalWriteResult(err)
}

// conditionalWriteResult turns a PutItem error into the (bool, error) shape
// lease.StoreClient.Take/Renew expect: a lost race is `false, nil`, an I/O
// failure propagates as errs.Retryable.
func conditionalWriteResult(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	return false, errs.NewRetryable(err)
}

func classifyScanError(err error) error {
	// Scan-level failures (throttling, timeouts, connection resets) are all
	// transport/service errors here; per-item schema violations are
	// classified separately in decodeLease, where they belong to one row
	// rather than the whole scan.
	return errs.NewRetryable(err)
}

func encodeLease(l lease.Lease) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrLeaseKey: &types.AttributeValueMemberS{Value: l.Key},
	}
	if l.Owner != nil {
		item[attrOwner] = &types.AttributeValueMemberS{Value: *l.Owner}
	} else {
		item[attrOwner] = &types.AttributeValueMemberNULL{Value: true}
	}
	item[attrCounter] = &types.AttributeValueMemberN{Value: strconv.FormatUint(l.Counter, 10)}
	if len(l.Checkpoint) > 0 {
		item[attrCheckpoint] = &types.AttributeValueMemberB{Value: l.Checkpoint}
	}
	if l.OwnershipTimeNanos > 0 {
		item[attrOwnershipAt] = &types.AttributeValueMemberN{Value: strconv.FormatUint(l.OwnershipTimeNanos, 10)}
	}
	if len(l.ParentShardIDs) > 0 {
		ss := make([]string, len(l.ParentShardIDs))
		copy(ss, l.ParentShardIDs)
		item[attrParents] = &types.AttributeValueMemberSS{Value: ss}
	}
	return item
}

func decodeLease(item map[string]types.AttributeValue) (lease.Lease, error) {
	keyAttr, ok := item[attrLeaseKey]
	if !ok {
		return lease.Lease{}, fmt.Errorf("lease item missing required attribute %q", attrLeaseKey)
	}
	keyVal, ok := keyAttr.(*types.AttributeValueMemberS)
	if !ok {
		return lease.Lease{}, fmt.Errorf("lease attribute %q has wrong type", attrLeaseKey)
	}

	l := lease.Lease{Key: keyVal.Value}

	if ownerAttr, ok := item[attrOwner]; ok {
		if s, ok := ownerAttr.(*types.AttributeValueMemberS); ok {
			owner := s.Value
			l.Owner = &owner
		}
	}

	counterAttr, ok := item[attrCounter]
	if !ok {
		return lease.Lease{}, fmt.Errorf("lease %q missing required attribute %q", l.Key, attrCounter)
	}
	counterVal, ok := counterAttr.(*types.AttributeValueMemberN)
	if !ok {
		return lease.Lease{}, fmt.Errorf("lease %q attribute %q has wrong type", l.Key, attrCounter)
	}
	counter, err := strconv.ParseUint(counterVal.Value, 10, 64)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("lease %q attribute %q is not a valid number: %w", l.Key, attrCounter, err)
	}
	l.Counter = counter

	if checkpointAttr, ok := item[attrCheckpoint]; ok {
		if b, ok := checkpointAttr.(*types.AttributeValueMemberB); ok {
			l.Checkpoint = b.Value
		}
	}
	if ownershipAttr, ok := item[attrOwnershipAt]; ok {
		if n, ok := ownershipAttr.(*types.AttributeValueMemberN); ok {
			if v, err := strconv.ParseUint(n.Value, 10, 64); err == nil {
				l.OwnershipTimeNanos = v
			}
		}
	}
	if parentsAttr, ok := item[attrParents]; ok {
		if ss, ok := parentsAttr.(*types.AttributeValueMemberSS); ok {
			l.ParentShardIDs = append([]string(nil), ss.Value...)
		}
	}

	return l, nil
}
