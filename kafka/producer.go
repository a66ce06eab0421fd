package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"storefront-svc/circuitbreaker"
	"storefront-svc/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func InitProducer(brokers []string, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized", zap.Strings("brokers", brokers))
	return producer, nil
}

// Publisher sends order events through a circuit breaker. A Publisher without
// a producer drops events silently, which is how the service runs without Kafka.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewPublisher(producer sarama.SyncProducer, topic string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		breaker:  breaker,
		logger:   logger,
	}
}

func (p *Publisher) PublishOrderCreated(ctx context.Context, order *models.Order) error {
	return p.publish(ctx, strconv.FormatInt(order.ID, 10), models.NewOrderCreatedEvent(order))
}

func (p *Publisher) publish(ctx context.Context, key string, event models.OrderEvent) error {
	if p == nil || p.producer == nil {
		return nil
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(eventJSON),
	}

	carrier := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = []sarama.RecordHeader(carrier)

	var partition int32
	var offset int64
	send := func() error {
		var err error
		partition, offset, err = p.producer.SendMessage(msg)
		return err
	}

	if p.breaker != nil {
		err = p.breaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		return fmt.Errorf("failed to send %s event: %w", event.EventType, err)
	}

	traceID := ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	p.logger.Info("Event published",
		zap.String("trace_id", traceID),
		zap.String("event_type", event.EventType),
		zap.Int64("order_id", event.OrderID),
		zap.String("topic", p.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
