package audit

import (
	"context"
	"log/slog"
)

// AsyncPublisher decouples event emission from sink latency: Publish only
// enqueues, and a background worker drains the queue into the wrapped sink.
// When the queue is full the event is dropped rather than blocking a
// request.
type AsyncPublisher struct {
	sink   Publisher
	inbox  chan Event
	logger *slog.Logger
}

func NewAsyncPublisher(sink Publisher, buffer int, logger *slog.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &AsyncPublisher{
		sink:   sink,
		inbox:  make(chan Event, buffer),
		logger: logger,
	}
}

func (p *AsyncPublisher) Publish(_ context.Context, event Event) error {
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit queue full, dropping event", "action", event.Action)
	}
	return nil
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (p *AsyncPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case event := <-p.inbox:
			p.deliver(event)
		}
	}
}

func (p *AsyncPublisher) drain() {
	for {
		select {
		case event := <-p.inbox:
			p.deliver(event)
		default:
			return
		}
	}
}

func (p *AsyncPublisher) deliver(event Event) {
	// Sink delivery runs outside any request context.
	if err := p.sink.Publish(context.Background(), event); err != nil {
		p.logger.Error("audit sink rejected event", "action", event.Action, "error", err)
	}
}
