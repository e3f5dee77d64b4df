package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eboa-io/eboa/internal/config"
)

// Producer publishes ingestion results and raised alerts to Kafka. One
// writer per topic, JSON payloads.
type Producer struct {
	writers map[string]*kafka.Writer
	config  config.KafkaConfig
	logger  *slog.Logger
}

// NewProducer creates a Kafka producer with writers for every configured topic
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	producer := &Producer{
		writers: make(map[string]*kafka.Writer),
		config:  cfg,
		logger:  logger,
	}

	topics := []string{
		cfg.Topics.IngestionResults,
		cfg.Topics.Alerts,
	}

	for _, topic := range topics {
		producer.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.ProducerTimeout,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}

	return producer
}

// Publish sends a single JSON message to the given topic
func (p *Producer) Publish(ctx context.Context, topic, key string, message interface{}) error {
	writer, exists := p.writers[topic]
	if !exists {
		return fmt.Errorf("no writer configured for topic %s", topic)
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
	if err != nil {
		p.logger.Error("failed to publish message", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("failed to publish message to %s: %w", topic, err)
	}

	return nil
}

// PublishIngestionResult publishes one operation result keyed by source name
func (p *Producer) PublishIngestionResult(ctx context.Context, sourceName string, result interface{}) error {
	return p.Publish(ctx, p.config.Topics.IngestionResults, sourceName, result)
}

// PublishAlert publishes one raised alert keyed by its configuration name
func (p *Producer) PublishAlert(ctx context.Context, alertName string, alert interface{}) error {
	return p.Publish(ctx, p.config.Topics.Alerts, alertName, alert)
}

// Close closes all topic writers
func (p *Producer) Close() error {
	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Error("failed to close writer", "topic", topic, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
