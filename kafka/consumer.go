package kafka

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-svc/models"

	"github.com/IBM/sarama"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	markPaidQuery = `UPDATE orders SET payment_status = $1, status = $2, updated_at = CURRENT_TIMESTAMP
	WHERE id = $3 AND payment_status = $4`

	markPaymentFailedQuery = `UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP
	WHERE id = $2 AND payment_status = $3`
)

const maxHandleAttempts = 3

// retryBackoff is multiplied by the attempt number between retries.
var retryBackoff = time.Second

var errMalformedEvent = errors.New("malformed event")

func InitConsumer(brokers []string, logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized", zap.Strings("brokers", brokers))
	return consumer, nil
}

// StartConsumer applies payment outcomes from topic until ctx is done or the
// partition is closed.
func StartConsumer(ctx context.Context, consumer sarama.Consumer, topic string, db *sqlx.DB, logger *zap.Logger) error {
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Kafka consumer stopping", zap.String("topic", topic))
			return nil
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				return nil
			}
			if err := handleMessageWithRetry(ctx, message, db, logger); err != nil {
				logger.Error("Failed to handle message", zap.Error(err))
			}
		case err, ok := <-partitionConsumer.Errors():
			if !ok {
				return nil
			}
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage, db *sqlx.DB, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		err := handleMessage(ctx, message, db, logger)
		if err == nil || errors.Is(err, errMalformedEvent) {
			return err
		}
		lastErr = err
		if attempt == maxHandleAttempts {
			break
		}

		backoff := time.Duration(attempt) * retryBackoff
		logger.Warn("Retrying message handling",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxHandleAttempts, lastErr)
}

func handleMessage(ctx context.Context, message *sarama.ConsumerMessage, db *sqlx.DB, logger *zap.Logger) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, consumerHeaderCarrier(message.Headers))

	ctx, span := otel.Tracer("storefront-service").Start(ctx, "ProcessPaymentEvent")
	defer span.End()

	traceID := ""
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}

	var event models.OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: failed to unmarshal event: %v", errMalformedEvent, err)
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.Int64("order.id", event.OrderID),
	)

	var (
		res sql.Result
		err error
	)
	switch event.EventType {
	case models.EventPaymentSuccess:
		res, err = db.ExecContext(ctx, markPaidQuery,
			models.PaymentStatusPaid, models.OrderStatusProcessing, event.OrderID, models.PaymentStatusPending)
	case models.EventPaymentFailed:
		res, err = db.ExecContext(ctx, markPaymentFailedQuery,
			models.PaymentStatusFailed, event.OrderID, models.PaymentStatusPending)
	default:
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to apply %s to order %d: %w", event.EventType, event.OrderID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logger.Warn("Payment event ignored, order missing or already settled",
			zap.String("trace_id", traceID),
			zap.String("event_type", event.EventType),
			zap.Int64("order_id", event.OrderID),
		)
		return nil
	}

	logger.Info("Order payment status updated",
		zap.String("trace_id", traceID),
		zap.String("event_type", event.EventType),
		zap.Int64("order_id", event.OrderID),
	)
	return nil
}
