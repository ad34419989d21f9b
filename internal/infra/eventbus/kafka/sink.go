// Package kafka mirrors lifecycle events onto a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// SinkMetrics defines metrics operations needed to monitor Kafka publishing.
type SinkMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic receives every mirrored event.
	Topic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var _ events.Sink = (*Sink)(nil)

// Sink publishes events to a single Kafka topic. Events are keyed by the
// routing key supplied with events.WithKey so that events of one volume land
// on one partition in order.
type Sink struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SinkMetrics
}

// NewProducerConfig returns the sarama configuration used by the sink.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V3_6_0_0
	return config
}

// NewSink wraps an existing producer.
func NewSink(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	metrics SinkMetrics,
	tracer trace.Tracer,
) (*Sink, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka sink")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required for kafka sink")
	}

	return &Sink{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_sink", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// ConnectWithRetry attempts to establish a producer with exponential backoff.
// It retries failed connection attempts until maxElapsed passes, which keeps
// startup tolerant of a Kafka cluster that is still coming up.
func ConnectWithRetry(
	ctx context.Context,
	cfg *Config,
	maxElapsed time.Duration,
	logger *logger.Logger,
	metrics SinkMetrics,
	tracer trace.Tracer,
) (*Sink, error) {
	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			logger.Warn(ctx, "failed to connect to kafka, will retry", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	sink, err := NewSink(producer, cfg.Topic, logger, metrics, tracer)
	if err != nil {
		producer.Close()
		return nil, err
	}
	return sink, nil
}

// Publish sends evt to the sink's topic.
func (s *Sink) Publish(ctx context.Context, evt events.Event, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, s.topic, s.tracer)
	defer span.End()

	params := events.ApplyOptions(opts...)
	span.SetAttributes(attribute.String("event.type", string(evt.Type)))

	value, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		s.metrics.IncPublishError(ctx, s.topic)
		return fmt.Errorf("failed to encode event %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Value:     sarama.ByteEncoder(value),
		Timestamp: evt.Timestamp,
		Headers:   []sarama.RecordHeader{{Key: []byte("event_type"), Value: []byte(evt.Type)}},
	}
	if params.Key != "" {
		msg.Key = sarama.StringEncoder(params.Key)
		span.SetAttributes(attribute.String("event.key", params.Key))
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		s.metrics.IncPublishError(ctx, s.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", s.topic, err)
	}
	s.metrics.IncMessagePublished(ctx, s.topic)

	s.logger.Debug(ctx, "Published event to Kafka",
		"event_type", evt.Type,
		"partition", partition,
		"offset", offset,
		"key", params.Key,
	)
	return nil
}

// Close flushes and closes the producer.
func (s *Sink) Close() error {
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
