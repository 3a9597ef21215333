// Package reliability wraps operations with per-(service, function) circuit
// breakers, classifies their errors, retries the recoverable ones and keeps a
// bounded error history that periodic analyzers turn into alerts.
//
// Recovery only exists for network, resource and database-connection
// failures. When recovery fails the caller gets the error of the original
// call, and the breaker counts one failure for the whole Execute.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/alert"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
	"github.com/worldland/worldland-orchestrator/internal/store"
)

const (
	historyKey  = "errors/history"
	countersKey = "errors/counters"
	breakerKey  = "breaker/"
)

// Publisher receives alerts. It must not block.
type Publisher interface {
	Publish(ev alert.Event) bool
}

type breakerID struct {
	service  string
	function string
}

// Engine is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	breakers map[breakerID]*Breaker

	threshold int
	timeout   time.Duration
	classify  Classifier
	policies  map[Category]RecoveryPolicy
	history   *History

	rateWindow    time.Duration
	rateThreshold int
	topN          int

	shared    store.Store
	publisher Publisher
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     Sleeper

	persistMu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

func WithBreakerSettings(threshold int, recoveryTimeout time.Duration) Option {
	return func(e *Engine) {
		e.threshold = threshold
		e.timeout = recoveryTimeout
	}
}

func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classify = c }
}

// WithPolicy replaces the recovery policy for a category.
func WithPolicy(c Category, p RecoveryPolicy) Option {
	return func(e *Engine) { e.policies[c] = p }
}

func WithHistorySize(n int) Option {
	return func(e *Engine) { e.history = NewHistory(n) }
}

// WithErrorRateAlert sets the window, the alert threshold and how many
// top patterns the high-error-rate alert carries.
func WithErrorRateAlert(window time.Duration, threshold, topN int) Option {
	return func(e *Engine) {
		e.rateWindow = window
		e.rateThreshold = threshold
		e.topN = topN
	}
}

func WithStore(s store.Store) Option {
	return func(e *Engine) { e.shared = s }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleeper replaces the pause between retries.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		breakers:      make(map[breakerID]*Breaker),
		threshold:     DefaultFailureThreshold,
		timeout:       DefaultRecoveryTimeout,
		classify:      DefaultClassifier,
		policies:      DefaultPolicies(),
		history:       NewHistory(DefaultHistorySize),
		rateWindow:    time.Hour,
		rateThreshold: 20,
		topN:          5,
		now:           time.Now,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrRoot(e.logger)
	return e
}

// CallOption adjusts a single Execute.
type CallOption func(*callConfig)

type callConfig struct {
	category Category
}

// WithCategory pre-tags every error of this call, bypassing the classifier.
func WithCategory(c Category) CallOption {
	return func(cc *callConfig) { cc.category = c }
}

// Execute runs op behind the (service, function) breaker. An open breaker
// rejects with *CircuitOpenError without running op.
func (e *Engine) Execute(ctx context.Context, service, function string, op func(context.Context) error, opts ...CallOption) error {
	var cc callConfig
	for _, opt := range opts {
		opt(&cc)
	}

	id := breakerID{service, function}
	b := e.lookup(id)
	if b != nil {
		if err := b.Allow(); err != nil {
			e.logger.WithFields(logrus.Fields{
				"Service":  service,
				"Function": function,
			}).Debug("call rejected by open circuit")
			e.publishBreaker(ctx, b)
			return err
		}
	}

	op = guard(op)
	err := op(ctx)
	if err == nil {
		if b != nil {
			e.succeed(ctx, b)
		}
		return nil
	}

	category := cc.category
	if category == "" {
		if tagged, ok := TaggedCategory(err); ok {
			category = tagged
		} else {
			category = e.classify(err)
		}
	}
	rec := ErrorRecord{
		ID:        uuid.NewString(),
		Timestamp: e.now(),
		Service:   service,
		Function:  function,
		Category:  category,
		Severity:  SeverityOf(category, err),
		ErrorType: errorType(err),
		Message:   err.Error(),
	}

	if policy, ok := e.policies[category]; ok && policy.applies(err) {
		rec.RecoveryAttempted = true
		rec.RetryCount, rec.RecoverySuccessful = policy.retry(ctx, e.sleep, op)
		e.metrics.IncRecovery(string(category), rec.RecoverySuccessful)
	}
	e.record(ctx, rec)

	if rec.RecoverySuccessful {
		if b != nil {
			e.succeed(ctx, b)
		}
		return nil
	}

	if b == nil {
		b = e.lookupOrCreate(id)
	}
	b.Failure()
	e.publishBreaker(ctx, b)

	if rec.RecoveryAttempted {
		return &RecoveryExhaustedError{Category: category, Retries: rec.RetryCount, Err: err}
	}
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Engine, service, function string, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := e.Execute(ctx, service, function, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	}, opts...)
	return out, err
}

func (e *Engine) lookup(id breakerID) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breakers[id]
}

// Breakers are created on first failure and live for the process lifetime.
func (e *Engine) lookupOrCreate(id breakerID) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[id]
	if !ok {
		b = newBreaker(id.service, id.function, e.threshold, e.timeout, e.now)
		e.breakers[id] = b
	}
	return b
}

func (e *Engine) succeed(ctx context.Context, b *Breaker) {
	before := b.Snapshot()
	b.Success()
	if before.State != StateClosed || before.FailureCount != 0 {
		e.publishBreaker(ctx, b)
	}
}

func (e *Engine) publishBreaker(ctx context.Context, b *Breaker) {
	snap := b.Snapshot()
	e.metrics.SetBreakerState(snap.Service, snap.Function, snap.State.gauge())
	if e.shared == nil {
		return
	}
	if err := store.SetJSON(ctx, e.shared, breakerKey+snap.Service+"/"+snap.Function, snap); err != nil {
		e.logger.WithError(err).Warn("failed to persist breaker state")
	}
}

func (e *Engine) record(ctx context.Context, rec ErrorRecord) {
	e.history.Add(rec)
	e.metrics.IncError(string(rec.Category), string(rec.Severity))

	e.logger.WithFields(logrus.Fields{
		"ErrorID":            rec.ID,
		"Service":            rec.Service,
		"Function":           rec.Function,
		"Category":           rec.Category,
		"Severity":           rec.Severity,
		"RetryCount":         rec.RetryCount,
		"RecoveryAttempted":  rec.RecoveryAttempted,
		"RecoverySuccessful": rec.RecoverySuccessful,
	}).Warn(rec.Message)

	if e.shared == nil {
		return
	}
	// Serialize mirror writes so an older snapshot never lands last.
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := store.SetJSON(ctx, e.shared, historyKey, e.history.Records()); err != nil {
		e.logger.WithError(err).Warn("failed to persist error history")
	}
	if err := store.SetJSON(ctx, e.shared, countersKey, e.history.Counters()); err != nil {
		e.logger.WithError(err).Warn("failed to persist error counters")
	}
}

// Load restores the error history and counters from the shared store.
func (e *Engine) Load(ctx context.Context) error {
	if e.shared == nil {
		return nil
	}
	var (
		records  []ErrorRecord
		counters map[string]int
	)
	if _, err := store.GetJSON(ctx, e.shared, historyKey, &records); err != nil {
		return err
	}
	if _, err := store.GetJSON(ctx, e.shared, countersKey, &counters); err != nil {
		return err
	}
	e.history.restore(records, counters)
	return nil
}

// History exposes the error ring.
func (e *Engine) History() *History {
	return e.history
}

// Breakers returns a snapshot of every breaker, sorted by key.
func (e *Engine) Breakers() []BreakerSnapshot {
	e.mu.Lock()
	list := make([]*Breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		list = append(list, b)
	}
	e.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Function < out[j].Function
	})
	return out
}

// OpenBreakers returns the breakers currently rejecting calls.
func (e *Engine) OpenBreakers() []BreakerSnapshot {
	var open []BreakerSnapshot
	for _, s := range e.Breakers() {
		if s.State == StateOpen {
			open = append(open, s)
		}
	}
	return open
}

var ErrBreakerNotFound = errors.New("breaker not found")

// ResetBreaker forces a breaker closed.
func (e *Engine) ResetBreaker(ctx context.Context, service, function string) error {
	b := e.lookup(breakerID{service, function})
	if b == nil {
		return fmt.Errorf("%w: %s/%s", ErrBreakerNotFound, service, function)
	}
	b.Reset()
	e.publishBreaker(ctx, b)
	return nil
}

// errorType names the error's concrete type, looking through tags and
// fmt.Errorf wrapping.
func errorType(err error) string {
	for {
		name := fmt.Sprintf("%T", err)
		if _, tagged := err.(*taggedError); !tagged && name != "*fmt.wrapError" {
			return name
		}
		next := errors.Unwrap(err)
		if next == nil {
			return name
		}
		err = next
	}
}
