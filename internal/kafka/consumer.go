package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stock-ledger/internal/cache"
	"stock-ledger/internal/config"
	"stock-ledger/internal/events"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Consumer keeps the read cache in step with ledger mutations published on
// the stock topic, including those made by other instances.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       *cacheInvalidationHandler
	logger        *zap.Logger
	groupID       string
	topics        []string
}

// ConsumerConfig builds the sarama configuration for the cache consumer group.
func ConsumerConfig(cfg *config.Config) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	if cfg.KafkaClientID != "" {
		saramaConfig.ClientID = cfg.KafkaClientID
	}
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Version = sarama.V2_8_0_0

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second

	saramaConfig.Metadata.RefreshFrequency = 10 * time.Minute
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	return saramaConfig
}

// NewConsumer creates the consumer group used for cache invalidation.
func NewConsumer(cfg *config.Config, cacheClient cache.Cache, logger *zap.Logger) (*Consumer, error) {
	logger.Info("Creating Kafka consumer",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group_id", cfg.KafkaGroupID),
	)

	consumerGroup, err := sarama.NewConsumerGroup(cfg.KafkaBrokers, cfg.KafkaGroupID, ConsumerConfig(cfg))
	if err != nil {
		logger.Error("Failed to create Kafka consumer group",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		handler:       newCacheInvalidationHandler(cacheClient, logger),
		logger:        logger,
		groupID:       cfg.KafkaGroupID,
		topics:        []string{cfg.KafkaTopicStock},
	}, nil
}

// Start consumes until ctx is canceled or the group fails.
func (c *Consumer) Start(ctx context.Context) error {
	var consumeErr error
	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				c.logger.Error("Error from consumer", zap.Error(err))
				consumeErr = err
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range c.consumerGroup.Errors() {
			c.logger.Error("Consumer error", zap.Error(err))
		}
	}()

	c.logger.Info("Kafka consumer started for cache invalidation",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID),
	)

	wg.Wait()
	return consumeErr
}

func (c *Consumer) Close() error {
	return c.consumerGroup.Close()
}

type cacheInvalidationHandler struct {
	cache  cache.Cache
	logger *zap.Logger
}

func newCacheInvalidationHandler(cacheClient cache.Cache, logger *zap.Logger) *cacheInvalidationHandler {
	return &cacheInvalidationHandler{cache: cacheClient, logger: logger}
}

func (h *cacheInvalidationHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *cacheInvalidationHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *cacheInvalidationHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			eventType := extractEventType(message.Headers)
			if err := h.handle(session.Context(), eventType, message.Value); err != nil {
				h.logger.Warn("Failed to invalidate cache",
					zap.String("event_type", eventType),
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle applies one message to the cache. Messages other than stock
// changes are ignored.
func (h *cacheInvalidationHandler) handle(ctx context.Context, eventType string, payload []byte) error {
	if eventType != events.TypeStockChanged {
		return nil
	}

	var event events.StockChangedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode %s: %w", eventType, err)
	}
	if event.ProductID == "" {
		return cacheFlush(ctx, h.cache)
	}

	h.logger.Debug("Invalidating stock cache",
		zap.String("product_id", event.ProductID),
		zap.Int("after", event.After),
	)
	return cache.InvalidateStock(ctx, h.cache, event.ProductID)
}

func cacheFlush(ctx context.Context, c cache.Cache) error {
	return c.DeleteByPattern(ctx, "stock:*")
}

func extractEventType(headers []*sarama.RecordHeader) string {
	for _, header := range headers {
		if string(header.Key) == "event-type" {
			return string(header.Value)
		}
	}
	return ""
}
