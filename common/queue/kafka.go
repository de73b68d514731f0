package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/segmentio/kafka-go"
)

// KafkaQueue implements Queue on top of a Kafka cluster.
// One writer is shared across topics; each subscription gets its own reader.
type KafkaQueue struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	readers []*kafka.Reader
	mu      sync.Mutex
	log     *logger.Logger
}

// NewKafkaQueue creates a Kafka-backed queue
func NewKafkaQueue(brokers []string, groupID string, log *logger.Logger) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}

	return &KafkaQueue{
		brokers: brokers,
		groupID: groupID,
		writer:  writer,
		log:     log,
	}
}

// Publish writes one message to a topic, partitioned by key
func (q *KafkaQueue) Publish(ctx context.Context, topic string, key string, message []byte, headers map[string]string) error {
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   message,
		Headers: kafkaHeaders,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}

	q.log.Debug("kafka publish", "topic", topic, "key", key)
	return nil
}

// Subscribe consumes a topic with the queue's consumer group.
// Messages are committed after the handler returns without error.
func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.brokers,
		GroupID:        q.groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
	})

	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()

	q.log.Info("kafka subscribing", "topic", topic, "group", q.groupID)

	go func() {
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					q.log.Info("kafka subscription cancelled", "topic", topic)
					return
				}
				q.log.Error("kafka fetch failed", "topic", topic, "error", err)
				continue
			}

			headers := make(map[string]string, len(msg.Headers))
			for _, h := range msg.Headers {
				headers[h.Key] = string(h.Value)
			}

			if err := handler(ctx, string(msg.Key), msg.Value, headers); err != nil {
				q.log.Error("kafka handler error", "topic", topic, "error", err)
				// Not committed; message redelivered on next rebalance.
				continue
			}

			if err := reader.CommitMessages(ctx, msg); err != nil {
				q.log.Error("kafka commit failed", "topic", topic, "error", err)
			}
		}
	}()

	return nil
}

// Close shuts down the writer and all readers
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	if err := q.writer.Close(); err != nil {
		firstErr = err
	}
	for _, r := range q.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
