package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stock-ledger/internal/config"

	"github.com/IBM/sarama"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	publishAttempts = 3
	publishBackoff  = 100 * time.Millisecond
	sendTimeout     = 5 * time.Second
)

// KafkaEventPublisher implements EventPublisher using Kafka
type KafkaEventPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
	config   *config.Config
	retry    *retrier.Retrier
}

// NewKafkaEventPublisher creates a new Kafka event publisher
func NewKafkaEventPublisher(cfg *config.Config, logger *zap.Logger) (*KafkaEventPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, ProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaEventPublisher(producer, cfg, logger), nil
}

func newKafkaEventPublisher(producer sarama.SyncProducer, cfg *config.Config, logger *zap.Logger) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
		logger:   logger,
		config:   cfg,
		retry:    retrier.New(retrier.ExponentialBackoff(publishAttempts-1, publishBackoff), nil),
	}
}

// ProducerConfig builds an idempotent producer configuration.
func ProducerConfig(cfg *config.Config) *sarama.Config {
	config := sarama.NewConfig()
	if cfg.KafkaClientID != "" {
		config.ClientID = cfg.KafkaClientID
	}
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = cfg.KafkaRetries
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	// Parse acks
	switch cfg.KafkaAcks {
	case "0":
		config.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		config.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		config.Producer.RequiredAcks = sarama.WaitForAll
	}
	// The idempotent producer requires acks=all.
	if config.Producer.Idempotent && config.Producer.RequiredAcks != sarama.WaitForAll {
		config.Producer.Idempotent = false
	}
	return config
}

// Publish publishes an event to Kafka with retries and exponential backoff
func (p *KafkaEventPublisher) Publish(ctx context.Context, event interface{}) error {
	message, err := p.buildMessage(event)
	if err != nil {
		return err
	}

	attempt := 0
	err = p.retry.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		sendErr := p.send(ctx, message)
		if sendErr != nil {
			p.logger.Warn("Failed to publish event to Kafka, retrying",
				zap.String("topic", message.Topic),
				zap.Error(sendErr),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", publishAttempts),
			)
		}
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("failed to publish event to Kafka after %d attempts: %w", attempt, err)
	}
	return nil
}

func (p *KafkaEventPublisher) buildMessage(event interface{}) (*sarama.ProducerMessage, error) {
	topic, err := p.getTopicForEvent(event)
	if err != nil {
		return nil, fmt.Errorf("failed to determine topic: %w", err)
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(eventJSON),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(TypeOf(event))},
			{Key: []byte("event-id"), Value: []byte(uuid.New().String())},
			{Key: []byte("timestamp"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	// Per-product and per-order ordering
	if partitionKey := p.getPartitionKey(event); partitionKey != "" {
		message.Key = sarama.StringEncoder(partitionKey)
	}
	return message, nil
}

// send waits for the synchronous producer, giving up after sendTimeout.
func (p *KafkaEventPublisher) send(ctx context.Context, message *sarama.ProducerMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(message)
		if err == nil {
			p.logger.Info("Event published to Kafka",
				zap.String("topic", message.Topic),
				zap.Int32("partition", partition),
				zap.Int64("offset", offset),
			)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("timeout publishing event to Kafka: %w", sendCtx.Err())
	}
}

// Close closes the Kafka producer
func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// getTopicForEvent determines the Kafka topic based on event family
func (p *KafkaEventPublisher) getTopicForEvent(event interface{}) (string, error) {
	switch event.(type) {
	case StockChangedEvent:
		return p.config.KafkaTopicStock, nil
	case OrderSubmittedEvent, OrderCanceledEvent, OrderDeliveredEvent:
		return p.config.KafkaTopicOrders, nil
	case NotificationCreatedEvent, NotificationClearedEvent:
		return p.config.KafkaTopicNotifications, nil
	default:
		return "", fmt.Errorf("unknown event type: %T", event)
	}
}

func (p *KafkaEventPublisher) getPartitionKey(event interface{}) string {
	switch e := event.(type) {
	case StockChangedEvent:
		return e.ProductID
	case OrderSubmittedEvent:
		return e.OrderID.String()
	case OrderCanceledEvent:
		return e.OrderID.String()
	case OrderDeliveredEvent:
		return e.OrderID.String()
	case NotificationCreatedEvent:
		return e.ProductID
	case NotificationClearedEvent:
		return e.ProductID
	}
	return ""
}
