package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to one topic, keyed by subscriber so a
// subscriber's events stay ordered within a partition.
type KafkaSink struct {
	writer kafkaWriter
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

func newKafkaSinkWithWriter(w kafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", evt.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.SubscriberID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.Type)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

// Close releases the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
