package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/logging"
)

// Task runs a function on a fixed interval until stopped. Stop only sets
// the stop flag: an iteration already running is allowed to finish, and
// Wait returns once it has.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	logger   logrus.FieldLogger
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewTask(name string, interval time.Duration, run func(ctx context.Context), logger logrus.FieldLogger) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		Run:      run,
		logger:   logging.OrRoot(logger).WithField("Task", name),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. ctx is handed to every iteration; cancelling it
// does not stop the loop.
func (t *Task) Start(ctx context.Context) {
	if t.started {
		return
	}
	t.started = true
	go t.loop(ctx)
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.logger.WithField("Interval", t.Interval.String()).Debug("task started")
	for {
		select {
		case <-t.stopCh:
			t.logger.Debug("task stopped")
			return
		case <-ticker.C:
		}
		// Stop wins over a tick that fired at the same time.
		select {
		case <-t.stopCh:
			t.logger.Debug("task stopped")
			return
		default:
		}
		start := time.Now()
		t.Run(ctx)
		t.logger.WithField("Duration", time.Since(start).String()).Debug("task iteration finished")
	}
}

// Stop asks the loop to exit after the current iteration.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Wait blocks until the loop has exited. It returns at once for a task
// that was never started.
func (t *Task) Wait() {
	if !t.started {
		return
	}
	<-t.done
}
