package kafka

import (
	"github.com/segmentio/kafka-go"
)

// NewWriter builds the producer used by the outbox relay. Messages carry
// their own topic; the hash balancer keeps one reservation's events on one
// partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}
