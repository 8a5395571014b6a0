package audittrail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/acutis/intake/internal/platform/metrics"
)

const flushTimeout = 5 * time.Second

// KafkaPublisher forwards audit entries to a Kafka topic keyed by entity so
// that all entries for one entity land on the same partition in order.
// Publish only enqueues; delivery failures are logged and counted from the
// produce callback and never reach the audited request.
type KafkaPublisher struct {
	client  *kgo.Client
	topic   string
	logger  zerolog.Logger
	metrics *metrics.Metrics
	produce func(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger, m *metrics.Metrics) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{
		client:  client,
		topic:   topic,
		logger:  logger.With().Str("component", "audit_kafka").Logger(),
		metrics: m,
		produce: client.Produce,
	}, nil
}

func (p *KafkaPublisher) record(e *Entry) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.EntityName + ":" + e.EntityID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "entity", Value: []byte(e.EntityName)},
		},
	}, nil
}

// Publish hands the entry to the producer buffer and returns. The request
// context is detached so the record survives the end of the request.
func (p *KafkaPublisher) Publish(ctx context.Context, e *Entry) error {
	rec, err := p.record(e)
	if err != nil {
		return err
	}
	id := e.ID.String()
	p.produce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.metrics.AuditPublishFailure()
		p.logger.Warn().Err(err).Str("entry_id", id).Msg("audit entry delivery failed")
	})
	return nil
}

// Close waits briefly for buffered entries, then shuts the client down.
func (p *KafkaPublisher) Close() {
	if p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("audit entries still buffered at shutdown")
	}
	p.client.Close()
}
