package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sparkgrid/pkg/billing"
)

const (
	defaultExchange   = "sparkgrid.usage"
	defaultRoutingKey = "usage.charged"
)

// AMQPPublisher forwards committed charges to RabbitMQ for the
// analytics pipeline. It implements billing.Publisher.
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewAMQPPublisher connects and declares the usage exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if exchange = strings.TrimSpace(exchange); exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{
		conn:       conn,
		channel:    channel,
		exchange:   exchange,
		routingKey: defaultRoutingKey,
	}, nil
}

// PublishCharge emits one committed charge as a persistent JSON message.
func (p *AMQPPublisher) PublishCharge(ctx context.Context, e billing.ChargeEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal charge event: %w", err)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// Consumer reads charge events and hands them to a handler. The wallet
// service uses it to maintain daily usage rollups.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewConsumer connects, declares a durable queue and binds it to the
// usage exchange.
func NewConsumer(url, exchange, queue string) (*Consumer, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if exchange = strings.TrimSpace(exchange); exchange == "" {
		exchange = defaultExchange
	}
	if queue = strings.TrimSpace(queue); queue == "" {
		return nil, errors.New("amqp queue name required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.QueueBind(queue, defaultRoutingKey, exchange, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	return &Consumer{conn: conn, channel: channel, queue: queue}, nil
}

// Start consumes events until ctx is done. Handler errors requeue the
// delivery once; malformed payloads are dropped.
func (c *Consumer) Start(ctx context.Context, handler func(context.Context, billing.ChargeEvent) error) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var event billing.ChargeEvent
				if err := json.Unmarshal(d.Body, &event); err != nil {
					slog.Warn("drop malformed charge event", "err", err)
					_ = d.Nack(false, false)
					continue
				}
				if err := handler(ctx, event); err != nil {
					slog.Warn("charge event handler failed", "user_id", event.UserID, "err", err)
					_ = d.Nack(false, !d.Redelivered)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()
	return nil
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if err := c.channel.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
