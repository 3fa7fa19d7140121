// Package local is an in-process queue transport for single-binary runs
// and tests. It keeps the at-least-once contract of the broker transports:
// a handler error puts the message back on the queue.
package local

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
)

// delivery is one queued message.
type delivery struct {
	topic   string
	body    []byte
	attempt int
}

// fifo is a thread-safe unbounded FIFO. Consumers wait on signal, a
// buffered channel of size 1 that coalesces wakeups.
type fifo struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{}
}

func newFIFO() *fifo {
	return &fifo{
		items:  make([]delivery, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

func (q *fifo) push(d delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, d)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *fifo) tryPop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items[0] = delivery{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	// More work left: keep another waiter awake.
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return d, true
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Options tune the bus.
type Options struct {
	// Workers is the number of concurrent consumer goroutines. Default 4.
	Workers int

	// MaxDeliveries caps attempts per message; the message is dropped and
	// logged after that. Zero means 10.
	MaxDeliveries int

	// RedeliveryDelay is waited before a failed message is requeued.
	RedeliveryDelay time.Duration

	// Duplicates delivers every published message this many extra times.
	// Tests use it to exercise duplicate delivery.
	Duplicates int
}

// Bus is the in-process transport.
type Bus struct {
	opts Options
	q    *fifo

	mu       sync.Mutex
	inflight int
	idle     *sync.Cond
	dropped  []string
}

var _ queue.Bus = (*Bus)(nil)

// New returns an empty bus.
func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 10
	}
	b := &Bus{opts: opts, q: newFIFO()}
	b.idle = sync.NewCond(&b.mu)
	return b
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
	if err := ctx.Err(); err != nil {
		return err
	}
	topic, body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	for i := 0; i <= b.opts.Duplicates; i++ {
		if !b.enqueue(delivery{topic: topic, body: body, attempt: 1}) {
			return queue.ErrClosed
		}
	}
	return nil
}

// enqueue counts the message as pending until a worker finishes it, so
// WaitIdle cannot observe a gap between publish and pickup.
func (b *Bus) enqueue(d delivery) bool {
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	if !b.q.push(d) {
		b.done()
		return false
	}
	return true
}

func (b *Bus) done() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
}

// Consume runs the worker goroutines until ctx is canceled or the bus is
// closed.
func (b *Bus) Consume(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < b.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			b.work(ctx, h, worker)
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bus) work(ctx context.Context, h queue.Handler, worker int) {
	for {
		d, ok := b.q.tryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case _, open := <-b.q.signal:
				if !open && b.q.len() == 0 {
					return
				}
			}
			continue
		}
		b.handle(ctx, h, worker, d)
	}
}

func (b *Bus) handle(ctx context.Context, h queue.Handler, worker int, d delivery) {
	defer b.done()

	_, err := queue.Dispatch(ctx, h, d.topic, d.body)
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrPoison) {
		slog.Error("dropping poison message", "topic", d.topic, "error", err)
		b.drop(d)
		return
	}
	if d.attempt >= b.opts.MaxDeliveries {
		slog.Error("message exceeded max deliveries",
			"topic", d.topic,
			"attempt", d.attempt,
			"error", err,
		)
		b.drop(d)
		return
	}

	slog.Warn("handler failed, redelivering",
		"topic", d.topic,
		"worker", worker,
		"attempt", d.attempt,
		"error", err,
	)
	if b.opts.RedeliveryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.opts.RedeliveryDelay):
		}
	}
	d.attempt++
	b.enqueue(d)
}

func (b *Bus) drop(d delivery) {
	b.mu.Lock()
	b.dropped = append(b.dropped, d.topic)
	b.mu.Unlock()
}

// Dropped returns the topics of messages that were given up on.
func (b *Bus) Dropped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dropped...)
}

// WaitIdle blocks until no message is queued or being handled, or ctx is
// done. A consumer must be running for the bus to drain.
func (b *Bus) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.idle.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.idle.Wait()
	}
	return nil
}

// Len returns the number of queued messages.
func (b *Bus) Len() int {
	return b.q.len()
}

// Close stops accepting messages and wakes idle workers. Queued messages
// are still handled by running consumers.
func (b *Bus) Close() error {
	b.q.close()
	return nil
}
