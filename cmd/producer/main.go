// Command producer is a load generator for a Kinesis stream, carried
// over from the teacher's producer/producer.go largely unchanged (it
// already used aws-sdk-go-v2 and needs no lease-coordination logic),
// adapted onto the shared config package.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/sirupsen/logrus"

	"expr_mohan/kcl-lease/config"
)

type event struct {
	EventID   string                 `json:"event_id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Value     float64                `json:"value"`
	Metadata  map[string]interface{} `json:"metadata"`
	ShardKey  string                 `json:"shard_key"`
}

var actions = []string{"login", "purchase", "view", "click", "logout", "search", "add_to_cart", "checkout"}

func configPath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "./config/producer.yaml"
}

func generateEvent(numShards int) event {
	shardKey := fmt.Sprintf("shard-key-%d", rand.Intn(numShards))
	return event{
		EventID:   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		UserID:    fmt.Sprintf("user_%d", rand.Intn(10000)),
		Timestamp: time.Now(),
		Action:    actions[rand.Intn(len(actions))],
		Value:     rand.Float64() * 1000,
		Metadata: map[string]interface{}{
			"source":  "producer",
			"version": "2.0",
			"session": fmt.Sprintf("sess_%d", rand.Intn(1000)),
		},
		ShardKey: shardKey,
	}
}

func main() {
	logger := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadProducer(configPath())
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.AWS.Endpoint, HostnameImmutable: true}, nil
			}),
		))
	}
	if cfg.AWS.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.WithError(err).Fatal("failed to load AWS config")
	}

	client := kinesis.NewFromConfig(awsCfg)

	describeOutput, err := client.DescribeStream(ctx, &kinesis.DescribeStreamInput{
		StreamName: aws.String(cfg.Kinesis.StreamName),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to describe stream")
	}
	actualShardCount := len(describeOutput.StreamDescription.Shards)
	logger.WithField("shard_count", actualShardCount).Info("stream ready")

	messageCount := 0
	startTime := time.Now()
	shardDistribution := make(map[string]int)

	logger.Info("producer running")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		if cfg.Producer.TotalMessages > 0 && messageCount >= cfg.Producer.TotalMessages {
			break
		}

		for i := 0; i < cfg.Producer.BatchSize; i++ {
			ev := generateEvent(cfg.Producer.NumShards)
			data, err := json.Marshal(ev)
			if err != nil {
				logger.WithError(err).Warn("failed to marshal event")
				continue
			}

			output, err := client.PutRecord(ctx, &kinesis.PutRecordInput{
				StreamName:   aws.String(cfg.Kinesis.StreamName),
				Data:         data,
				PartitionKey: aws.String(ev.ShardKey),
			})
			if err != nil {
				logger.WithError(err).Warn("failed to put record")
				continue
			}

			messageCount++
			shardDistribution[*output.ShardId]++

			if cfg.Producer.TotalMessages > 0 && messageCount >= cfg.Producer.TotalMessages {
				break
			}
		}

		elapsed := time.Since(startTime).Seconds()
		logger.WithFields(logrus.Fields{
			"total":         messageCount,
			"rate":          float64(messageCount) / elapsed,
			"unique_shards": len(shardDistribution),
		}).Info("producer stats")

		if cfg.Producer.TotalMessages == 0 || messageCount < cfg.Producer.TotalMessages {
			timer := time.NewTimer(time.Duration(cfg.Producer.BatchDelayMs) * time.Millisecond)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				break loop
			}
		}
	}

	elapsed := time.Since(startTime).Seconds()
	logger.WithFields(logrus.Fields{
		"total_messages": messageCount,
		"duration_sec":   elapsed,
		"unique_shards":  len(shardDistribution),
	}).Info("producer stopped")
}
