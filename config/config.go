// Package config holds the YAML-driven configuration shared by the
// enhanced-consumer and producer commands, following the flat
// aws/kinesis/<role> shape the teacher's own per-command Config structs
// used (consumer/enhanced_consumer.go, producer/producer.go).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AWS holds the connection parameters shared by every AWS client this
// module builds, including LocalStack-style endpoint overrides.
type AWS struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Kinesis names the stream every command operates against.
type Kinesis struct {
	StreamName string `yaml:"stream_name"`
}

// Consumer configures the enhanced-consumer command.
type Consumer struct {
	ApplicationName string `yaml:"application_name"`
	WorkerID        string `yaml:"worker_id"`
	ConsumerARN     string `yaml:"consumer_arn"`

	LeaseTableName string `yaml:"lease_table_name"`

	MaxLeasesPerWorker int           `yaml:"max_leases_per_worker"`
	MaxStealsPerRun    int           `yaml:"max_steals_per_run"`
	FailoverTime       time.Duration `yaml:"failover_time"`
	TakerDelay         time.Duration `yaml:"taker_delay"`
	RenewInterval      time.Duration `yaml:"renew_interval"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`

	UseK8sFleetSize bool `yaml:"use_k8s_fleet_size"`
}

// Producer configures the producer command.
type Producer struct {
	BatchSize     int `yaml:"batch_size"`
	BatchDelayMs  int `yaml:"batch_delay_ms"`
	TotalMessages int `yaml:"total_messages"`
	NumShards     int `yaml:"num_shards"`
}

// ConsumerConfig is the root document for cmd/enhanced-consumer.
type ConsumerConfig struct {
	AWS      AWS      `yaml:"aws"`
	Kinesis  Kinesis  `yaml:"kinesis"`
	Consumer Consumer `yaml:"consumer"`
}

// ProducerConfig is the root document for cmd/producer.
type ProducerConfig struct {
	AWS      AWS      `yaml:"aws"`
	Kinesis  Kinesis  `yaml:"kinesis"`
	Producer Producer `yaml:"producer"`
}

// LoadConsumer reads and parses path into a ConsumerConfig.
func LoadConsumer(path string) (*ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProducer reads and parses path into a ProducerConfig.
func LoadProducer(path string) (*ProducerConfig, error) {
	var cfg ProducerConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
