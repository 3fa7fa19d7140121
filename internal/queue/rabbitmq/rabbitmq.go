// Package rabbitmq carries queue messages over AMQP 0.9.1.
//
// Both topics are routed through one durable topic exchange to durable
// queues of the same name. Publishing uses confirm mode and persistent
// delivery; consumers ack on success and nack with requeue on handler
// error.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
)

// Config configures the AMQP transport.
type Config struct {
	URL      string
	Exchange string

	// QueuePrefix is prepended to the topic name to form queue names.
	QueuePrefix string

	// Prefetch bounds unacked deliveries per consumer channel. Default 4.
	Prefetch int

	// ConfirmTimeout bounds the wait for a publisher confirm. Default 30s.
	ConfirmTimeout time.Duration
}

// Bus is the AMQP transport.
type Bus struct {
	cfg  Config
	conn *amqp.Connection

	mu       sync.Mutex
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation
}

var _ queue.Bus = (*Bus)(nil)

// Dial connects to the broker and declares the exchange and queues.
func Dial(cfg Config) (*Bus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "labeliq"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	b := &Bus{cfg: cfg, conn: conn}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := b.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	b.pubCh = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return b, nil
}

// QueueName returns the queue bound to a topic.
func (b *Bus) QueueName(topic string) string {
	return b.cfg.QueuePrefix + topic
}

func (b *Bus) declare(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		b.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	for _, topic := range []string{queue.TopicFanOut, queue.TopicGroupDone} {
		q, err := ch.QueueDeclare(
			b.QueueName(topic), // name
			true,               // durable
			false,              // delete when unused
			false,              // exclusive
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", topic, err)
		}
		if err := ch.QueueBind(q.Name, topic, b.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", topic, err)
		}
	}
	return nil
}

// PublishFanOut implements queue.Publisher.
func (b *Bus) PublishFanOut(ctx context.Context, msg model.FanOutMessage) error {
	return b.publish(ctx, msg)
}

// PublishGroupDone implements queue.Publisher.
func (b *Bus) PublishGroupDone(ctx context.Context, msg model.GroupDoneMessage) error {
	return b.publish(ctx, msg)
}

func (b *Bus) publish(ctx context.Context, msg any) error {
	topic, body, err := queue.Encode(msg)
	if err != nil {
		return err
	}

	// One confirm channel; serialize publish+confirm pairs on it.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() || b.pubCh == nil {
		return queue.ErrClosed
	}
	err = b.pubCh.PublishWithContext(
		ctx,
		b.cfg.Exchange, // exchange
		topic,          // routing key
		true,           // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         topic,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}

	select {
	case confirmed, ok := <-b.confirms:
		if !ok {
			return fmt.Errorf("confirmation channel closed")
		}
		if !confirmed.Ack {
			return fmt.Errorf("broker nacked %s", topic)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.cfg.ConfirmTimeout):
		return fmt.Errorf("publish confirmation timed out")
	}
	return nil
}

// Consume reads both queues until ctx is canceled or the connection drops.
func (b *Bus) Consume(ctx context.Context, h queue.Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	type stream struct {
		topic string
		msgs  <-chan amqp.Delivery
	}
	var streams []stream
	for _, topic := range []string{queue.TopicFanOut, queue.TopicGroupDone} {
		msgs, err := ch.Consume(
			b.QueueName(topic), // queue
			"",                 // consumer
			false,              // auto-ack
			false,              // exclusive
			false,              // no-local
			false,              // no-wait
			nil,                // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer for %s: %w", topic, err)
		}
		streams = append(streams, stream{topic: topic, msgs: msgs})
	}

	closed := b.conn.NotifyClose(make(chan *amqp.Error, 1))
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s stream) {
			defer wg.Done()
			for d := range s.msgs {
				b.deliver(ctx, h, s.topic, d)
			}
		}(s)
	}

	var result error
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			result = fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	}
	ch.Close()
	wg.Wait()
	return result
}

func (b *Bus) deliver(ctx context.Context, h queue.Handler, topic string, d amqp.Delivery) {
	_, err := queue.Dispatch(ctx, h, topic, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("failed to ack message", "topic", topic, "error", ackErr)
		}
	case errors.Is(err, queue.ErrPoison):
		slog.Error("dropping poison message", "topic", topic, "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("failed to ack message", "topic", topic, "error", ackErr)
		}
	default:
		slog.Warn("handler failed, requeueing",
			"topic", topic,
			"redelivered", d.Redelivered,
			"error", err,
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.Error("failed to nack message", "topic", topic, "error", nackErr)
		}
	}
}

// Close closes the publish channel and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}
	return nil
}
