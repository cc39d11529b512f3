package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

//go:generate mockgen -source=publisher.go -destination=mocks/publisher_mock.go -package=mocks

// Publisher delivers audit events to a sink. Implementations must be safe
// for concurrent use. Delivery failures are the sink's problem to surface;
// domain logic treats auditing as best effort and never fails a request
// over it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to structured logs. It is the default sink when
// no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger, now: time.Now}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	event = normalize(event, p.now)
	p.logger.Info("audit event",
		"audit_id", event.ID,
		"action", event.Action,
		"session_id", event.SessionID,
		"subject", event.Subject,
		"client_ip", event.ClientIP,
		"detail", event.Detail,
	)
	return nil
}

// MemoryPublisher accumulates events in memory for assertions in tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{now: time.Now}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, normalize(event, p.now))
	return nil
}

// Events returns a snapshot of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Actions returns just the action names, in publish order.
func (p *MemoryPublisher) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Action
	}
	return out
}

// MultiPublisher fans one event out to several sinks. The first error wins
// but all sinks still see the event.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
