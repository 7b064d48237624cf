// Package kafka delivers registry events through a Kafka topic and consumes
// them back into an indexer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"namereg/internal/events"
	"namereg/pkg/platform/circuit"
)

var (
	eventsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namereg_events_produced_total",
		Help: "Events written to Kafka, by outcome",
	}, []string{"outcome"})
	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namereg_events_consumed_total",
		Help: "Events read from Kafka, by outcome",
	}, []string{"outcome"})
)

const headerEventType = "event_type"

// NewProducerClient connects a client that writes to topic.
func NewProducerClient(brokers []string, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
}

// NewConsumerClient connects a group member reading topic from the start.
// Offsets are committed by Consumer after each batch is applied.
func NewConsumerClient(brokers []string, topic, group string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Publisher writes events keyed by PartitionKey, so events about one
// identifier keep their order.
type Publisher struct {
	client   *kgo.Client
	topic    string
	fallback events.Publisher
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithFallback receives events while the broker circuit is open.
func WithFallback(fallback events.Publisher) Option {
	return func(p *Publisher) {
		p.fallback = fallback
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.breaker = b
	}
}

func NewPublisher(client *kgo.Client, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		topic:   topic,
		breaker: circuit.New("kafka-events"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	record := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(e.PartitionKey()),
		Value:   payload,
		Headers: []kgo.RecordHeader{{Key: headerEventType, Value: []byte(e.Type)}},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		eventsProduced.WithLabelValues("error").Inc()
		useFallback, change := p.breaker.RecordFailure()
		if change.Opened {
			p.logger.WarnContext(ctx, "kafka event circuit opened", "circuit", p.breaker.Name(), "topic", p.topic, "error", err)
		}
		if useFallback && p.fallback != nil {
			return p.fallback.Publish(ctx, e)
		}
		return fmt.Errorf("produce event %s: %w", e.ID, err)
	}

	eventsProduced.WithLabelValues("ok").Inc()
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "kafka event circuit closed", "circuit", p.breaker.Name(), "topic", p.topic)
	}
	return nil
}

// Healthy reports whether the broker circuit is closed.
func (p *Publisher) Healthy() bool {
	return !p.breaker.IsOpen()
}

// Consumer feeds events from Kafka to a handler, typically an Indexer.
type Consumer struct {
	client  *kgo.Client
	handler events.Publisher
	logger  *slog.Logger
}

func NewConsumer(client *kgo.Client, handler events.Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, handler: handler, logger: logger}
}

// Run polls until ctx is done or the client is closed. Undecodable records
// are skipped; handler errors are logged and the record is not retried.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch failed",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			var e events.Event
			if err := json.Unmarshal(r.Value, &e); err != nil {
				eventsConsumed.WithLabelValues("undecodable").Inc()
				c.logger.WarnContext(ctx, "skipping undecodable event",
					"topic", r.Topic,
					"offset", r.Offset,
					"error", err,
				)
				return
			}
			if err := c.handler.Publish(ctx, e); err != nil {
				eventsConsumed.WithLabelValues("error").Inc()
				c.logger.ErrorContext(ctx, "failed to apply event", "event_id", e.ID, "error", err)
				return
			}
			eventsConsumed.WithLabelValues("ok").Inc()
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "failed to commit offsets", "error", err)
		}
	}
}
