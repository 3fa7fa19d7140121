// Package kafka carries queue messages over Kafka topics.
//
// Each queue topic maps to a Kafka topic. Consumers join one consumer
// group and commit an offset only after the handler succeeds; a failed
// message is retried in place with backoff so later commits never skip it.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
)

// Config configures the Kafka transport.
type Config struct {
	Brokers []string
	GroupID string

	// TopicPrefix is prepended to queue topic names.
	TopicPrefix string

	// MaxAttempts caps in-place retries of one message before it is
	// committed and logged as dropped. Zero means 10.
	MaxAttempts int

	// RetryBackoff is the first retry delay; it doubles up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// Bus is the Kafka transport.
type Bus struct {
	cfg    Config
	writer *kafkago.Writer

	mu      sync.Mutex
	readers []*kafkago.Reader
}

var _ queue.Bus = (*Bus)(nil)

// New builds a transport. Connections are opened lazily by kafka-go.
func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "labeliq"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Second
	}
	return &Bus{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Topic returns the Kafka topic for a queue topic.
func (b *Bus) Topic(topic string) string {
	return b.cfg.TopicPrefix + topic
}

// PublishFanOut implements queue.Publisher.
func (b *Bus) PublishFanOut(ctx context.Context, msg model.FanOutMessage) error {
	return b.publish(ctx, msg.JobID, msg)
}

// PublishGroupDone implements queue.Publisher.
func (b *Bus) PublishGroupDone(ctx context.Context, msg model.GroupDoneMessage) error {
	return b.publish(ctx, msg.JobID, msg)
}

// publish keys by job id so one job's messages share a partition.
func (b *Bus) publish(ctx context.Context, key string, msg any) error {
	topic, body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	err = b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: b.Topic(topic),
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return queue.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", topic, err)
	}
	return nil
}

// Consume reads both topics until ctx is canceled.
func (b *Bus) Consume(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, topic := range []string{queue.TopicFanOut, queue.TopicGroupDone} {
		r := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  b.cfg.Brokers,
			GroupID:  b.cfg.GroupID,
			Topic:    b.Topic(topic),
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		b.mu.Lock()
		b.readers = append(b.readers, r)
		b.mu.Unlock()

		wg.Add(1)
		go func(topic string, r *kafkago.Reader) {
			defer wg.Done()
			defer r.Close()
			if err := b.read(ctx, h, topic, r); err != nil {
				errs <- err
			}
		}(topic, r)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (b *Bus) read(ctx context.Context, h queue.Handler, topic string, r *kafkago.Reader) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to fetch from %s: %w", topic, err)
		}
		if !b.handle(ctx, h, topic, m) {
			return nil
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit %s offset %d: %w", topic, m.Offset, err)
		}
	}
}

// handle retries one message until it succeeds, is poison, or runs out of
// attempts. Returns false if ctx ended first, in which case the offset must
// not be committed.
func (b *Bus) handle(ctx context.Context, h queue.Handler, topic string, m kafkago.Message) bool {
	backoff := b.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		_, err := queue.Dispatch(ctx, h, topic, m.Value)
		if err == nil {
			return true
		}
		if errors.Is(err, queue.ErrPoison) {
			slog.Error("dropping poison message", "topic", topic, "offset", m.Offset, "error", err)
			return true
		}
		if attempt >= b.cfg.MaxAttempts {
			slog.Error("message exceeded max deliveries",
				"topic", topic,
				"offset", m.Offset,
				"attempt", attempt,
				"error", err,
			)
			return true
		}
		slog.Warn("handler failed, retrying",
			"topic", topic,
			"offset", m.Offset,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.cfg.RetryBackoffMax {
			backoff = b.cfg.RetryBackoffMax
		}
	}
}

// Close flushes the writer and closes any open readers.
func (b *Bus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
