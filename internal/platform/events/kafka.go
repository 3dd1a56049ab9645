// Package events consumes lab-result payloads from Kafka.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/domain/labresult"
	"github.com/labcase/labcase/internal/platform/metrics"
)

// Message headers read by the consumer.
const (
	HeaderLab       = "lab"
	HeaderAccountID = "account_id"
	HeaderProductID = "product_id"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester accepts one raw lab payload.
type Ingester interface {
	Ingest(ctx context.Context, lab labresult.LabName, payload []byte, in labresult.Intake) (*casemgmt.BatchReport, error)
}

// NewReader builds a consumer-group reader for the lab results topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}

// Retry backoff for messages whose results could not be stored.
const (
	defaultRetryDelay = 2 * time.Second
	maxRetryDelay     = time.Minute
)

// Consumer feeds Kafka messages to an Ingester. Offsets are committed after
// each message is handled; ingestion is idempotent per source reference, so
// redelivery after a crash is safe. A message whose results could not be
// stored is retried in place and its offset is not committed until it is.
type Consumer struct {
	reader     MessageReader
	ingest     Ingester
	logger     zerolog.Logger
	retryDelay time.Duration
}

func NewConsumer(reader MessageReader, ingest Ingester, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		ingest:     ingest,
		logger:     logger.With().Str("component", "kafka").Logger(),
		retryDelay: defaultRetryDelay,
	}
}

// Run consumes until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		status := "ok"
		err = c.handle(ctx, msg)
		for delay := c.retryDelay; errors.Is(err, casemgmt.ErrStore); delay = min(delay*2, maxRetryDelay) {
			metrics.RecordKafkaMessage("retried")
			c.logger.Warn().Err(err).
				Int64("offset", msg.Offset).
				Dur("retry_in", delay).
				Msg("lab result message not stored, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			err = c.handle(ctx, msg)
		}
		if err != nil {
			status = "failed"
			if errors.Is(err, errSkipped) {
				status = "skipped"
			}
			c.logger.Error().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("lab result message not fully processed")
		}
		metrics.RecordKafkaMessage(status)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

var errSkipped = errors.New("message skipped")

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	headers := headerMap(msg.Headers)
	lab, err := labresult.ParseLab(headers[HeaderLab])
	if err != nil {
		return fmt.Errorf("%w: %v", errSkipped, err)
	}

	in := labresult.Intake{
		AccountID:  headers[HeaderAccountID],
		Source:     "kafka",
		ReceivedAt: msg.Time,
	}
	if p := headers[HeaderProductID]; p != "" {
		in.ProductID = &p
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}

	report, err := c.ingest.Ingest(ctx, lab, msg.Value, in)
	if errors.Is(err, casemgmt.ErrValidation) && report == nil {
		return fmt.Errorf("%w: %v", errSkipped, err)
	}
	if report != nil {
		c.logger.Info().
			Str("lab", string(lab)).
			Int64("offset", msg.Offset).
			Int("received", report.Received).
			Int("rejected", len(report.Rejected)).
			Int("failed", report.Failed).
			Msg("lab result message ingested")
	}
	return err
}

func headerMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
