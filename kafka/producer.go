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
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OriginHeader carries the instance id that emitted a room message.
const OriginHeader = "origin"

const publishQueueSize = 256

func InitProducer(cfg config.Kafka, logger *zap.Logger) (sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer([]string{cfg.Broker}, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized", zap.String("broker", cfg.Broker))
	return producer, nil
}

type outbound struct {
	ctx context.Context
	msg models.RoomMessage
}

// Publisher forwards room messages to the other instances through Kafka.
// Messages are keyed by process id so one process stays on one partition
// and keeps its order. Sending happens on a background worker; a full queue
// drops the message, since clients resync from the HTTP surface anyway.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	// mu guards closed; sends to queue happen under its read lock
	mu        sync.RWMutex
	closed    bool
	queue     chan outbound
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		queue:    make(chan outbound, publishQueueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// PublishRoomMessage queues msg for the other instances. It never blocks.
// Messages published after Close are dropped.
func (p *Publisher) PublishRoomMessage(ctx context.Context, msg models.RoomMessage) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Debug("Dropping room message, publisher closed",
			zap.String("process_id", msg.ProcessID),
			zap.String("event_type", string(msg.Event)),
		)
		return
	}

	// keep the trace, drop the request's cancellation
	detached := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	select {
	case p.queue <- outbound{ctx: detached, msg: msg}:
	default:
		p.logger.Warn("Dropping room message, publish queue full",
			zap.String("process_id", msg.ProcessID),
			zap.String("event_type", string(msg.Event)),
		)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for out := range p.queue {
		if err := p.send(out.ctx, out.msg); err != nil {
			p.logger.Error("Failed to publish room message",
				zap.String("trace_id", traceID(out.ctx)),
				zap.String("process_id", out.msg.ProcessID),
				zap.Error(err),
			)
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg models.RoomMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal room message: %w", err)
	}

	carrier := saramaHeaderCarrier{{Key: []byte(OriginHeader), Value: []byte(msg.Origin)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(msg.ProcessID),
		Value:   sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader(carrier),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("Room message published",
		zap.String("trace_id", traceID(ctx)),
		zap.String("topic", p.topic),
		zap.String("process_id", msg.ProcessID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close drains the queue and closes the producer.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		err = p.producer.Close()
	})
	return err
}

func traceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// saramaHeaderCarrier implements the TextMapCarrier interface for Kafka headers (for producer)
type saramaHeaderCarrier []sarama.RecordHeader

func (c saramaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *saramaHeaderCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c saramaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
