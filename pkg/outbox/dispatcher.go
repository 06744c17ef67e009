package outbox

import (
	"context"
	"log/slog"
	"sort"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderTraceparent   = "traceparent"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

// Message keys events by aggregate id so every event of one reservation lands
// on the same partition, in order.
func (d *Dispatcher) Message(event Event) kafka.Message {
	keys := make([]string, 0, len(event.Headers))
	for k := range event.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys)+3)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(event.Headers[k])})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)},
		kafka.Header{Key: HeaderAggregateType, Value: []byte(event.AggregateType)},
	)
	if event.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: HeaderTraceparent, Value: []byte(event.Traceparent)})
	}

	return kafka.Message{
		Topic:   d.topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Headers: headers,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := d.producer.WriteMessages(ctx, d.Message(event)); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "type", event.Type, "err", err)
		return err
	}
	d.log.Debug("outbox dispatched", "event_id", event.ID, "type", event.Type)
	return nil
}
