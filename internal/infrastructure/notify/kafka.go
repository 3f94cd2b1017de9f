package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is satisfied by *kafka.Writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer that takes the topic from each message and
// hashes the key to pick the partition.
func NewKafkaWriter(brokers []string, writeTimeout, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           writeTimeout,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: false,
	}
}

// KafkaStrategy writes the payload to the record's topic. The partition key
// defaults to the task id so redeliveries land on the same partition.
type KafkaStrategy struct {
	failer
	writer KafkaWriter
}

func NewKafkaStrategy(writer KafkaWriter, store taskmessage.StatusUpdater, logger zerolog.Logger) *KafkaStrategy {
	return &KafkaStrategy{failer: failer{store: store, logger: logger}, writer: writer}
}

func (s *KafkaStrategy) Type() taskmessage.TransportType { return taskmessage.TransportKafka }

func (s *KafkaStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	if s.writer == nil {
		return "", notConfigured(s.Type())
	}
	cfg := rec.TransportConfig.Kafka
	if cfg == nil {
		return "", s.fail(ctx, rec, missingSection(s.Type(), rec))
	}

	key := cfg.PartitionKey
	if key == "" {
		key = rec.TaskID
	}
	headers := make([]kafka.Header, 0, len(cfg.Headers)+1)
	headers = append(headers, kafka.Header{Key: "taskId", Value: []byte(rec.TaskID)})
	for k, v := range cfg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Topic:   cfg.Topic,
		Key:     []byte(key),
		Value:   []byte(rec.Payload),
		Headers: headers,
		Time:    time.Now(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return "", s.fail(ctx, rec, fmt.Errorf("write to %s: %w", cfg.Topic, err))
	}
	return "written to " + cfg.Topic, nil
}
