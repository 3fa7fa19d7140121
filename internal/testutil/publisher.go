package testutil

import (
	"context"
	"sync"

	"github.com/roach88/labeliq/internal/model"
)

// RecordingPublisher stores published messages instead of sending them.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RecordingPublisher struct {
	mu        sync.Mutex
	fanOut    []model.FanOutMessage
	groupDone []model.GroupDoneMessage

	// FailFanOut and FailGroupDone, when set, are returned by the next
	// publish of that kind and then cleared.
	FailFanOut    error
	FailGroupDone error
}

// PublishFanOut implements queue.Publisher.
func (p *RecordingPublisher) PublishFanOut(_ context.Context, msg model.FanOutMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.FailFanOut; err != nil {
		p.FailFanOut = nil
		return err
	}
	p.fanOut = append(p.fanOut, msg)
	return nil
}

// PublishGroupDone implements queue.Publisher.
func (p *RecordingPublisher) PublishGroupDone(_ context.Context, msg model.GroupDoneMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.FailGroupDone; err != nil {
		p.FailGroupDone = nil
		return err
	}
	p.groupDone = append(p.groupDone, msg)
	return nil
}

// FanOut returns a copy of the recorded fan-out messages.
func (p *RecordingPublisher) FanOut() []model.FanOutMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.FanOutMessage(nil), p.fanOut...)
}

// GroupDone returns a copy of the recorded group-done messages.
func (p *RecordingPublisher) GroupDone() []model.GroupDoneMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.GroupDoneMessage(nil), p.groupDone...)
}
