package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront-svc/circuitbreaker"
	"storefront-svc/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

func testOrder() *models.Order {
	return &models.Order{
		ID:          42,
		UserID:      7,
		OrderNumber: "ORD-ABCDEF1234",
		Status:      models.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("300.00"),
		Items: []models.OrderItem{
			{ProductID: 1, Quantity: 3},
		},
	}
}

func TestPublisher_PublishOrderCreated(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "order_events" {
			return errors.New("unexpected topic " + msg.Topic)
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event models.OrderEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.EventType != models.EventOrderCreated || event.OrderID != 42 || len(event.Items) != 1 {
			return errors.New("unexpected event payload " + string(value))
		}

		carrier := headerCarrier(msg.Headers)
		if carrier.Get("traceparent") == "" {
			return errors.New("missing traceparent header")
		}
		return nil
	})

	publisher := NewPublisher(producer, "order_events", circuitbreaker.NewCircuitBreaker(3, time.Minute), zaptest.NewLogger(t))
	require.NoError(t, publisher.PublishOrderCreated(ctx, testOrder()))
}

func TestPublisher_OpenCircuitSkipsBroker(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	brokerDown := errors.New("kafka: client has run out of available brokers")
	producer.ExpectSendMessageAndFail(brokerDown)
	producer.ExpectSendMessageAndFail(brokerDown)

	breaker := circuitbreaker.NewCircuitBreaker(2, time.Minute)
	publisher := NewPublisher(producer, "order_events", breaker, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.ErrorIs(t, publisher.PublishOrderCreated(ctx, testOrder()), brokerDown)
	assert.ErrorIs(t, publisher.PublishOrderCreated(ctx, testOrder()), brokerDown)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	assert.ErrorIs(t, publisher.PublishOrderCreated(ctx, testOrder()), circuitbreaker.ErrCircuitOpen)
}

func TestPublisher_WithoutProducerIsNoop(t *testing.T) {
	publisher := NewPublisher(nil, "order_events", nil, zaptest.NewLogger(t))
	assert.NoError(t, publisher.PublishOrderCreated(context.Background(), testOrder()))

	var nilPublisher *Publisher
	assert.NoError(t, nilPublisher.PublishOrderCreated(context.Background(), testOrder()))
}

func TestHeaderCarrier(t *testing.T) {
	carrier := make(headerCarrier, 0)
	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("tracestate", "k=v")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "", carrier.Get("baggage"))
	assert.Equal(t, []string{"traceparent", "tracestate"}, carrier.Keys())

	consumed := consumerHeaderCarrier{{Key: []byte("traceparent"), Value: []byte("00-abc-def-01")}}
	assert.Equal(t, "00-abc-def-01", consumed.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, consumed.Keys())
}
