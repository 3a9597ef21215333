// Package alert delivers structured operational events to external sinks on
// a fire-and-forget basis. Publishing never blocks the caller.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
)

const DefaultBufferSize = 256

// Event is one alert.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ, source string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Sink delivers an event somewhere outside the process.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Publisher buffers events and hands them to every sink from a single
// delivery goroutine. When the buffer is full the event is dropped.
type Publisher struct {
	sinks   []Sink
	events  chan Event
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option configures a Publisher
type Option func(*Publisher)

func WithBufferSize(n int) Option {
	return func(p *Publisher) { p.events = make(chan Event, n) }
}

// WithSendTimeout bounds each sink delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func NewPublisher(sinks []Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sinks:   sinks,
		events:  make(chan Event, DefaultBufferSize),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrRoot(p.logger)
	return p
}

// Start runs the delivery loop until Close.
func (p *Publisher) Start() {
	go func() {
		defer close(p.done)
		for ev := range p.events {
			p.deliver(ev)
		}
	}()
}

// Publish enqueues an event and reports whether it was accepted.
func (p *Publisher) Publish(ev Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		p.metrics.IncAlertDropped()
		p.logger.WithFields(logrus.Fields{
			"AlertType": ev.Type,
			"AlertID":   ev.ID,
		}).Warn("alert buffer full, dropping alert")
		return false
	}
}

// Emit builds and publishes an event.
func (p *Publisher) Emit(typ, source string, data map[string]interface{}) bool {
	return p.Publish(NewEvent(typ, source, data))
}

// Close stops accepting events and waits for the buffered ones to be
// delivered. Start must have been called.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) deliver(ev Event) {
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := sink.Send(ctx, ev); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"AlertType": ev.Type,
				"AlertID":   ev.ID,
				"Sink":      sinkName(sink),
			}).Warn("alert delivery failed")
		}
		cancel()
	}
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}

// LogSink writes alerts to a logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, ev Event) error {
	logging.OrRoot(s.Logger).WithFields(logrus.Fields{
		"AlertID":   ev.ID,
		"AlertType": ev.Type,
		"Source":    ev.Source,
		"Data":      ev.Data,
	}).Warn("alert")
	return nil
}
