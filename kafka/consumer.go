package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/thesis-rbk/Wassalha-sub003/config"
	"github.com/thesis-rbk/Wassalha-sub003/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func InitConsumer(cfg config.Kafka, logger *zap.Logger) (sarama.Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer([]string{cfg.Broker}, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized", zap.String("broker", cfg.Broker))
	return consumer, nil
}

// Deliverer hands a remote room message to the local room members.
type Deliverer interface {
	Deliver(msg models.RoomMessage) bool
	Origin() string
}

// Relay feeds room messages published by other instances into the local
// hub. Every instance reads every partition from the newest offset: room
// messages are live hints, not a log to replay.
type Relay struct {
	consumer sarama.Consumer
	topic    string
	hub      Deliverer
	logger   *zap.Logger
}

func NewRelay(consumer sarama.Consumer, topic string, hub Deliverer, logger *zap.Logger) *Relay {
	return &Relay{consumer: consumer, topic: topic, hub: hub, logger: logger}
}

// Run consumes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	partitions, err := r.consumer.Partitions(r.topic)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	var pcs []sarama.PartitionConsumer
	for _, partition := range partitions {
		pc, err := r.consumer.ConsumePartition(r.topic, partition, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				started.Close()
			}
			return fmt.Errorf("failed to consume partition %d: %w", partition, err)
		}
		pcs = append(pcs, pc)
	}

	r.logger.Info("Room relay started", zap.String("topic", r.topic), zap.Int("partitions", len(pcs)))

	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			r.consume(ctx, pc)
		}(pc)
	}

	<-ctx.Done()
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			r.logger.Warn("Failed to close partition consumer", zap.Error(err))
		}
	}
	wg.Wait()
	return nil
}

func (r *Relay) consume(ctx context.Context, pc sarama.PartitionConsumer) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-pc.Messages():
			if !ok {
				return
			}
			if err := r.handleMessage(message); err != nil {
				r.logger.Error("Failed to handle room message", zap.Error(err))
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			r.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func (r *Relay) handleMessage(message *sarama.ConsumerMessage) error {
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	// own messages were already delivered locally by Emit
	if carrier.Get(OriginHeader) == r.hub.Origin() {
		return nil
	}

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)
	ctx, span := otel.Tracer("process-service").Start(ctx, "RelayRoomMessage")
	defer span.End()

	var msg models.RoomMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal room message: %w", err)
	}
	if msg.Origin == r.hub.Origin() {
		return nil
	}

	span.SetAttributes(
		attribute.String("event.type", string(msg.Event)),
		attribute.String("process.id", msg.ProcessID),
		attribute.String("origin", msg.Origin),
	)

	delivered := r.hub.Deliver(msg)
	r.logger.Debug("Relayed room message",
		zap.String("trace_id", traceID(ctx)),
		zap.String("process_id", msg.ProcessID),
		zap.String("event_type", string(msg.Event)),
		zap.Bool("delivered", delivered),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
