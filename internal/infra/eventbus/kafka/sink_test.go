package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	errors    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{published: make(map[string]int), errors: make(map[string]int)}
}

func (m *countingMetrics) IncMessagePublished(_ context.Context, topic string) {
	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
}

func (m *countingMetrics) IncPublishError(_ context.Context, topic string) {
	m.mu.Lock()
	m.errors[topic]++
	m.mu.Unlock()
}

func newTestSink(t *testing.T, producer sarama.SyncProducer, metrics SinkMetrics) *Sink {
	t.Helper()
	sink, err := NewSink(producer, "volscan.events", logger.New(io.Discard, logger.LevelDebug, "test", nil),
		metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return sink
}

func TestSinkPublishesKeyedEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newCountingMetrics()
	sink := newTestSink(t, producer, metrics)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := events.NewScanComplete("data", "scan-1", scanning.ScanResult{VolumeID: "data", TotalSize: 2048}, at)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "volscan.events" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "data" {
			return fmt.Errorf("unexpected key %q", key)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got events.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.Type != events.EventTypeScanComplete || got.ScanID != "scan-1" {
			return fmt.Errorf("unexpected event %+v", got)
		}

		var sawType bool
		for _, h := range msg.Headers {
			if string(h.Key) == "event_type" && string(h.Value) == "scan_complete" {
				sawType = true
			}
		}
		if !sawType {
			return errors.New("missing event_type header")
		}
		return nil
	})

	require.NoError(t, sink.Publish(context.Background(), evt, events.WithKey("data")))
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, metrics.published["volscan.events"])
	assert.Zero(t, metrics.errors["volscan.events"])
}

func TestSinkPublishFailureCountsError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newCountingMetrics()
	sink := newTestSink(t, producer, metrics)

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	err := sink.Publish(context.Background(), events.NewVolumeUpdate(nil, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, metrics.errors["volscan.events"])
	assert.Zero(t, metrics.published["volscan.events"])
}

func TestNewSinkValidation(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	_, err := NewSink(mocks.NewSyncProducer(t, nil), "topic", log, nil, tracer)
	assert.Error(t, err)

	_, err = NewSink(mocks.NewSyncProducer(t, nil), "", log, newCountingMetrics(), tracer)
	assert.Error(t, err)
}

func TestNewProducerConfig(t *testing.T) {
	cfg := NewProducerConfig("volscan-1")
	assert.Equal(t, "volscan-1", cfg.ClientID)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	require.NoError(t, cfg.Validate())
}
