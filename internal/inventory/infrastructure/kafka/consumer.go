package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
	"github.com/dmehra2102/stock-reservation/pkg/idempotency"
	"github.com/dmehra2102/stock-reservation/pkg/outbox"
	"github.com/dmehra2102/stock-reservation/pkg/tracing"
)

const (
	EventOrderCanceled = "OrderCanceled"
	EventCartAbandoned = "CartAbandoned"
)

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderCanceled struct {
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

type CartAbandoned struct {
	CartID string `json:"cart_id"`
}

// Inventory is the part of the coordinator the order-events consumer drives.
type Inventory interface {
	RestoreStock(ctx context.Context, productID string, quantity int) error
	ReleaseCart(ctx context.Context, cartID string) (int, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	log     *slog.Logger
	reader  messageReader
	inv     Inventory
	idem    *idempotency.Store
	tracer  trace.Tracer
	retries uint64

	redeliverInitial time.Duration
	redeliverMax     time.Duration
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, inv Inventory, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return newConsumer(log, r, inv, idem)
}

func newConsumer(log *slog.Logger, r messageReader, inv Inventory, idem *idempotency.Store) *Consumer {
	return &Consumer{
		log:              log,
		reader:           r,
		inv:              inv,
		idem:             idem,
		tracer:           otel.Tracer("inventory-consumer"),
		retries:          5,
		redeliverInitial: time.Second,
		redeliverMax:     30 * time.Second,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := c.settle(ctx, msg); err != nil {
			// cancelled while the message was still pending; leave the
			// offset uncommitted so the group hands it out again
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit offset failed", "offset", msg.Offset, "err", err)
		}
	}
}

// settle handles msg until it succeeds or fails for a reason a retry cannot
// fix. While storage is unavailable the partition is held: the offset stays
// uncommitted and the same message is handled again after a backoff. It
// returns an error only when ctx ends first.
func (c *Consumer) settle(ctx context.Context, msg kafka.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.redeliverInitial
	eb.MaxInterval = c.redeliverMax
	eb.MaxElapsedTime = 0

	for {
		err := c.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrUnavailable) {
			c.log.Error("order event rejected", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			return nil
		}

		wait := eb.NextBackOff()
		c.log.Warn("order event deferred", "topic", msg.Topic, "offset", msg.Offset, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Handle applies one order event. Storage outages are retried with backoff;
// anything else is reported once.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	eventType := tracing.HeaderValue(msg.Headers, outbox.HeaderEventType)
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+eventType, trace.WithAttributes(
		attribute.String("messaging.kafka.topic", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	))
	defer span.End()

	switch eventType {
	case EventOrderCanceled:
		var ev OrderCanceled
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		return c.onOrderCanceled(msgCtx, msg.Topic, ev)
	case EventCartAbandoned:
		var ev CartAbandoned
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		return c.withRetry(msgCtx, func() error {
			n, err := c.inv.ReleaseCart(msgCtx, ev.CartID)
			if err == nil {
				c.log.Info("abandoned cart released", "cart_id", ev.CartID, "released", n)
			}
			return err
		})
	default:
		c.log.Debug("order event ignored", "type", eventType, "offset", msg.Offset)
		return nil
	}
}

// onOrderCanceled restores every line once. Each line is claimed separately
// so a redelivery after a partial failure only restores what is missing.
func (c *Consumer) onOrderCanceled(ctx context.Context, topic string, ev OrderCanceled) error {
	var errs []error
	for _, item := range ev.Items {
		key := c.idem.Key(topic, EventOrderCanceled, ev.OrderID, item.ProductID)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			errs = append(errs, domain.Unavailable("idempotency check", err))
			continue
		}
		if seen {
			c.log.Info("duplicate restore skipped", "order_id", ev.OrderID, "product_id", item.ProductID)
			continue
		}
		err = c.withRetry(ctx, func() error {
			return c.inv.RestoreStock(ctx, item.ProductID, item.Quantity)
		})
		if err != nil {
			if ferr := c.idem.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				c.log.Warn("idempotency forget failed", "key", key, "err", ferr)
			}
			errs = append(errs, fmt.Errorf("restore %s: %w", item.ProductID, err))
			continue
		}
		c.log.Info("stock restored for cancelled order", "order_id", ev.OrderID, "product_id", item.ProductID, "quantity", item.Quantity)
	}
	return errors.Join(errs...)
}

func (c *Consumer) withRetry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, domain.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
