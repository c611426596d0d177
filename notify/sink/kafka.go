package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaWriteTimeout = 5 * time.Second
)

func init() {
	Register("kafka", func(t Target) (Announcer, error) {
		config := DefaultKafkaConfig(t.Hosts)
		config.TopicPrefix = t.Prefix
		return NewKafkaAnnouncer(config)
	})
}

// KafkaAnnouncer publishes announcements to Kafka topics named after the
// prefix and the announcement topic
type KafkaAnnouncer struct {
	writer *kafka.Writer
	target Target
}

// KafkaConfig holds configuration for KafkaAnnouncer
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	TopicPrefix      string             // Prepended to every topic
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireOne)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
	WriteTimeout     time.Duration      // Bound on one publish (default: 5s)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireOne,
		AutoCreateTopics: true,
		WriteTimeout:     DefaultKafkaWriteTimeout,
	}
}

// NewKafkaAnnouncer creates a new KafkaAnnouncer with the given configuration
func NewKafkaAnnouncer(config KafkaConfig) (*KafkaAnnouncer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka announcer requires at least one broker address")
	}

	// Set defaults if not provided
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key, one record stays on one partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           config.RequiredAcks,
		WriteTimeout:           config.WriteTimeout,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaAnnouncer{writer: writer, target: Target{Prefix: config.TopicPrefix}}, nil
}

// Announce implements Announcer
func (k *KafkaAnnouncer) Announce(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.writer.WriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Topic: k.target.Subject(topic),
		Key:   []byte(key),
		Value: value,
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close releases resources held by the KafkaAnnouncer
func (k *KafkaAnnouncer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
