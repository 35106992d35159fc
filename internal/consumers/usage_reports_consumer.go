package consumers

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	kafkaadapter "hermes/internal/adapters/kafka"
	"hermes/internal/domain/usage"
	"hermes/internal/metrics"
	usageservice "hermes/internal/services/usage"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// UsageReportsConsumer reads usage reports from Kafka and feeds them through
// the same ingestion path as HTTP. The transport is best-effort: malformed
// or rejected messages are logged and skipped so a poison message cannot
// wedge the consumer group, and store failures are skipped rather than
// redelivered to avoid double increments.
type UsageReportsConsumer struct {
	consumer *kafkaadapter.Consumer
	service  *usageservice.Service
	log      *logger.Logger
}

// NewUsageReportsConsumer creates a new usage reports consumer
func NewUsageReportsConsumer(consumer *kafkaadapter.Consumer, service *usageservice.Service) *UsageReportsConsumer {
	return &UsageReportsConsumer{
		consumer: consumer,
		service:  service,
		log:      logger.Get().With("component", "usage_reports_consumer"),
	}
}

// Start begins consuming usage reports. Blocks until ctx is cancelled.
func (c *UsageReportsConsumer) Start(ctx context.Context) error {
	c.log.Info("Starting usage reports consumer...")

	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.log.Errorf("Failed to close usage reports consumer: %v", err)
		} else {
			c.log.Info("✓ Usage reports consumer closed")
		}
	}()

	return c.consumer.Consume(ctx, c.handle)
}

func (c *UsageReportsConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var report usage.Report
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		metrics.UsageReports.WithLabelValues("kafka", "rejected").Inc()
		c.log.Warnw("dropping malformed usage report",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	receipt, err := c.service.Ingest(ctx, &report)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidReport) || errors.Is(err, errors.ErrUnknownModel) {
			metrics.UsageReports.WithLabelValues("kafka", "rejected").Inc()
			c.log.Warnw("dropping rejected usage report",
				"offset", msg.Offset,
				"reason", err,
			)
			return nil
		}

		metrics.UsageReports.WithLabelValues("kafka", "failed").Inc()
		return errors.Wrap(err, "failed to ingest usage report")
	}

	metrics.UsageReports.WithLabelValues("kafka", "accepted").Inc()
	c.log.Debugw("usage report consumed",
		"log_id", receipt.LogID,
		"session_id", receipt.SessionID,
	)
	return nil
}
