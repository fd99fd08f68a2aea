package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards deployment events to a Kafka topic, keyed by
// application so that one application's events stay ordered.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, logger)
}

// NewKafkaSinkWithWriter creates a sink around an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		writer:  w,
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "kafka-sink").Logger(),
	}
}

// Handle writes one event. It is an EventSubscriber.
func (s *KafkaSink) Handle(event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AppKey),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to publish event to kafka")
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
