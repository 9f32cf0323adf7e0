// Command enhanced-consumer runs one worker of a lease-coordinated
// Kinesis consumer fleet, adapted from the teacher's
// consumer/enhanced_consumer.go (which wired vmware-go-kcl) onto this
// module's own lease/consumer/scheduler stack.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/sirupsen/logrus"

	"expr_mohan/kcl-lease/config"
	"expr_mohan/kcl-lease/consumer"
	"expr_mohan/kcl-lease/fleetsize"
	"expr_mohan/kcl-lease/kinesisstream"
	"expr_mohan/kcl-lease/lease/dynamodbstore"
	"expr_mohan/kcl-lease/scheduler"
)

func configPath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "./config/config-pod1.yaml"
}

func main() {
	logger := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConsumer(configPath())
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	logger = logger.WithFields(logrus.Fields{
		"application": cfg.Consumer.ApplicationName,
		"worker_id":   cfg.Consumer.WorkerID,
		"stream":      cfg.Kinesis.StreamName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		logger.WithError(err).Fatal("failed to load AWS config")
	}

	store := dynamodbstore.New(dynamodb.NewFromConfig(awsCfg), cfg.Consumer.LeaseTableName)
	streamClient := kinesisstream.New(kinesis.NewFromConfig(awsCfg), cfg.Kinesis.StreamName)

	maxLeasesPerWorker := cfg.Consumer.MaxLeasesPerWorker
	if cfg.Consumer.UseK8sFleetSize {
		maxLeasesPerWorker = seedMaxLeasesFromFleet(ctx, logger, streamClient, cfg)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.WorkerID = cfg.Consumer.WorkerID
	schedCfg.StreamName = cfg.Kinesis.StreamName
	schedCfg.ConsumerARN = cfg.Consumer.ConsumerARN
	schedCfg.StartingPosition = consumer.StartingPosition{Type: consumer.TrimHorizon}
	schedCfg.Logger = logger

	schedCfg.Lease.Taker.WorkerID = cfg.Consumer.WorkerID
	if maxLeasesPerWorker > 0 {
		schedCfg.Lease.Taker.MaxLeasesPerWorker = maxLeasesPerWorker
	}
	if cfg.Consumer.MaxStealsPerRun > 0 {
		schedCfg.Lease.Taker.MaxStealsPerRun = cfg.Consumer.MaxStealsPerRun
	}
	if cfg.Consumer.FailoverTime > 0 {
		schedCfg.Lease.Taker.FailoverTime = uint64(cfg.Consumer.FailoverTime.Nanoseconds())
	}
	if cfg.Consumer.TakerDelay > 0 {
		schedCfg.Lease.TakerDelay = cfg.Consumer.TakerDelay
	}
	if cfg.Consumer.RenewInterval > 0 {
		schedCfg.Lease.RenewInterval = cfg.Consumer.RenewInterval
	}
	if cfg.Consumer.ReconcileInterval > 0 {
		schedCfg.ReconcileInterval = cfg.Consumer.ReconcileInterval
	}

	sched := scheduler.New(schedCfg, store, streamClient, func(shardID string) consumer.RecordProcessor {
		return newLoggingProcessor(shardID, logger)
	})
	sched.Initialize()

	logger.Info("starting worker")
	go sched.Run(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Shutdown(shutdownCtx)

	logger.Info("worker stopped")
}

func loadAWSConfig(ctx context.Context, a config.AWS) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(a.Region)}
	if a.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: a.Endpoint, HostnameImmutable: true, SigningRegion: region}, nil
			}),
		))
	}
	if a.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.AccessKey, a.SecretKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func seedMaxLeasesFromFleet(ctx context.Context, logger *logrus.Entry, sc *kinesisstream.Client, cfg *config.ConsumerConfig) int {
	shardCount := 0
	var token *string
	for {
		shards, next, err := sc.ListShards(ctx, cfg.Kinesis.StreamName, token)
		if err != nil {
			logger.WithError(err).Warn("failed to list shards for fleet-size hint, falling back to configured value")
			return cfg.Consumer.MaxLeasesPerWorker
		}
		shardCount += len(shards)
		if next == nil {
			break
		}
		token = next
	}

	provider := fleetsize.NewInCluster(logger)
	workerCount := provider.Count(ctx)
	ceiling := cfg.Consumer.MaxLeasesPerWorker
	if ceiling <= 0 {
		ceiling = 1000
	}
	seeded := fleetsize.SeedMaxLeasesPerWorker(shardCount, workerCount, ceiling)
	logger.WithFields(logrus.Fields{
		"shard_count":  shardCount,
		"worker_count": workerCount,
		"seeded_max":   seeded,
	}).Info("seeded max leases per worker from fleet size hint")
	return seeded
}

// loggingProcessor is a sample RecordProcessor that logs throughput,
// mirroring the teacher's EnhancedRecordProcessor without its vmware-go-kcl
// dependent types.
type loggingProcessor struct {
	shardID     string
	logger      *logrus.Entry
	recordCount int
	startTime   time.Time
}

func newLoggingProcessor(shardID string, logger *logrus.Entry) *loggingProcessor {
	return &loggingProcessor{shardID: shardID, logger: logger.WithField("shard_id", shardID)}
}

func (p *loggingProcessor) Initialize(ctx context.Context, input consumer.InitializationInput) {
	p.startTime = time.Now()
	p.logger.Info("initializing record processor")
}

func (p *loggingProcessor) ProcessRecords(ctx context.Context, input consumer.ProcessRecordsInput) {
	for _, r := range input.Records {
		var payload map[string]interface{}
		if err := json.Unmarshal(r.Data, &payload); err != nil {
			p.logger.WithError(err).Warn("failed to unmarshal record, skipping")
			continue
		}
		p.recordCount++
		if p.recordCount%10 == 0 {
			elapsed := time.Since(p.startTime).Seconds()
			p.logger.WithFields(logrus.Fields{
				"count": p.recordCount,
				"rate":  float64(p.recordCount) / elapsed,
			}).Info("processed records")
		}
	}

	if len(input.Records) > 0 {
		last := input.Records[len(input.Records)-1]
		if err := input.Checkpointer.Checkpoint(ctx, &last.SequenceNumber); err != nil {
			p.logger.WithError(err).Warn("checkpoint failed")
		}
	}
}

func (p *loggingProcessor) LeaseLost(ctx context.Context) {
	p.logger.Info("lease lost, yielding shard to another worker")
}

func (p *loggingProcessor) ShardEnded(ctx context.Context) {
	p.logger.Info("shard ended, child shards can now be processed")
}

func (p *loggingProcessor) ShutdownRequested(ctx context.Context) {
	p.logger.Info("shutdown requested, not checkpointing so the shard resumes from last position")
}
