// Package ingest bridges external event sources into Dispatcher.Publish. It
// is optional: the fan-out core never imports this package, it is wired in
// only by cmd/fanout's composition root. Grounded on the teacher's
// ws/kafka/consumer.go: franz-go client, OnPartitionsAssigned/Revoked
// logging, a context-driven poll loop, and panic-free per-record error
// handling.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is a normalized external event, ready to hand to Dispatcher.Publish:
// Channel selects the subscription index, Type becomes message.Message.Type,
// Payload is passed through unparsed.
type Event struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives every successfully decoded Event. Supplied by the
// composition root, typically a closure over Dispatcher.Publish.
type Handler func(Event)

// KafkaConfig configures a KafkaSource.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

// KafkaSource consumes normalized fan-out events from Kafka/Redpanda topics
// and hands each to a Handler.
type KafkaSource struct {
	client *kgo.Client
	logger zerolog.Logger

	processed uint64
	failed    uint64
}

// NewKafkaSource connects a franz-go client for the given brokers/group. If
// cfg.Topics is empty it defaults to a single "fanout.events" topic.
func NewKafkaSource(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("ingest: consumer group is required")
	}
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{"fanout.events"}
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("ingest partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("ingest partitions revoked")
		}),
	)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{client: client, logger: logger}, nil
}

// Run polls until ctx is canceled, decoding each record as an Event and
// handing it to handle. A record that fails to decode is logged and
// skipped, never fatal to the poll loop.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			s.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("ingest fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var ev Event
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				s.failed++
				s.logger.Error().Err(err).Str("topic", record.Topic).Msg("ingest: failed to decode event")
				return
			}
			if ev.Channel == "" {
				s.failed++
				s.logger.Warn().Str("topic", record.Topic).Msg("ingest: event missing channel")
				return
			}
			handle(ev)
			s.processed++
		})
	}
}

// Metrics returns the running processed/failed record counts.
func (s *KafkaSource) Metrics() (processed, failed uint64) {
	return s.processed, s.failed
}

// Close releases the underlying Kafka client.
func (s *KafkaSource) Close() error {
	s.client.Close()
	return nil
}
