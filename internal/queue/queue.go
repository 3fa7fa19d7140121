// Package queue carries fan-out and group-done messages between workers.
//
// Delivery is at-least-once on every transport: a handler error means the
// message is redelivered, and handlers are expected to be idempotent.
// Transports live in subpackages (local, rabbitmq, kafka); this package
// holds the contracts and the shared wire codec.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

// Topics.
const (
	TopicFanOut    = "labeliq.fanout"
	TopicGroupDone = "labeliq.group-done"
)

var (
	// ErrClosed is returned when publishing to a closed transport.
	ErrClosed = errors.New("queue closed")

	// ErrPoison marks a message that can never be handled (bad JSON, failed
	// validation, unknown topic). Transports drop it instead of redelivering.
	ErrPoison = errors.New("poison message")
)

// Publisher sends messages.
type Publisher interface {
	PublishFanOut(ctx context.Context, msg model.FanOutMessage) error
	PublishGroupDone(ctx context.Context, msg model.GroupDoneMessage) error
}

// Handler processes delivered messages. A non-nil error requests
// redelivery.
type Handler interface {
	HandleFanOut(ctx context.Context, msg model.FanOutMessage) (model.FanOutOutcome, error)
	HandleGroupDone(ctx context.Context, msg model.GroupDoneMessage) (model.FanInOutcome, error)
}

// Consumer delivers messages to a handler until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Bus is a transport that both publishes and consumes.
type Bus interface {
	Publisher
	Consumer
	Close() error
}

// Encode marshals a message for a topic.
func Encode(msg any) (topic string, body []byte, err error) {
	switch msg.(type) {
	case model.FanOutMessage, *model.FanOutMessage:
		topic = TopicFanOut
	case model.GroupDoneMessage, *model.GroupDoneMessage:
		topic = TopicGroupDone
	default:
		return "", nil, fmt.Errorf("encode: unsupported message type %T", msg)
	}
	body, err = json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", topic, err)
	}
	return topic, body, nil
}

// Dispatch decodes body according to topic and calls the matching handler
// method. Decode and validation failures wrap ErrPoison.
func Dispatch(ctx context.Context, h Handler, topic string, body []byte) (any, error) {
	switch topic {
	case TopicFanOut:
		var msg model.FanOutMessage
		if err := decode(body, &msg); err != nil {
			return nil, err
		}
		return h.HandleFanOut(ctx, msg)
	case TopicGroupDone:
		var msg model.GroupDoneMessage
		if err := decode(body, &msg); err != nil {
			return nil, err
		}
		return h.HandleGroupDone(ctx, msg)
	}
	return nil, fmt.Errorf("%w: unknown topic %q", ErrPoison, topic)
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if err := model.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return nil
}
