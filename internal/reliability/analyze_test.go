package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeErrorRate(t *testing.T) {
	pub := &capturePublisher{}
	e, clock, _ := newTestEngine(t, WithPublisher(pub), WithBreakerSettings(1000, time.Minute))
	ctx := context.Background()
	fail := func(err error) func(context.Context) error {
		return func(context.Context) error { return err }
	}

	// Outside the window.
	for i := 0; i < 30; i++ {
		e.Execute(ctx, "svc", "fn", fail(errValidation))
	}
	clock.Advance(2 * time.Hour)

	for i := 0; i < 20; i++ {
		e.Execute(ctx, "svc", "fn", fail(errValidation))
	}
	res := e.AnalyzeErrorRate(ctx)
	assert.Equal(t, 20, res.Count)
	assert.False(t, res.Exceeded, "threshold is strictly greater than 20")
	assert.Empty(t, pub.Types())

	e.Execute(ctx, "svc", "fn", fail(errors.New("unauthorized")))
	res = e.AnalyzeErrorRate(ctx)
	require.True(t, res.Exceeded)
	require.Len(t, res.Patterns, 2)
	assert.Equal(t, Pattern{Category: CategoryValidation, ErrorType: "*errors.errorString", Count: 20}, res.Patterns[0])
	assert.Equal(t, []string{AlertHighErrorRate}, pub.Types())
}

func TestReport_RecoveryRate(t *testing.T) {
	pub := &capturePublisher{}
	e, _, _ := newTestEngine(t, WithPublisher(pub))
	ctx := context.Background()

	attempts := 0
	e.Execute(ctx, "svc", "ok", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	e.Execute(ctx, "svc", "bad", func(context.Context) error { return errors.New("connection refused") })
	e.Execute(ctx, "svc", "val", func(context.Context) error { return errValidation })

	r := e.Report(ctx)

	assert.Equal(t, 3, r.TotalErrors)
	assert.Equal(t, 2, r.RecoveryAttempted)
	assert.Equal(t, 1, r.RecoverySucceeded)
	assert.InDelta(t, 50.0, r.RecoveryRate, 0.001)
	assert.Equal(t, 2, r.ByCategory[CategoryNetwork])
	assert.Equal(t, 1, r.BySeverity[SeverityLow])
	assert.Len(t, r.Breakers, 2)
	assert.Equal(t, AlertErrorReport, pub.Last().Type)
}

func TestReport_NoRecoveryAttempts(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r := e.Report(context.Background())

	assert.Zero(t, r.RecoveryRate)
	assert.Zero(t, r.TotalErrors)
}

func TestCheckBreakers(t *testing.T) {
	pub := &capturePublisher{}
	e, _, _ := newTestEngine(t, WithPublisher(pub), WithBreakerSettings(1, time.Minute))
	ctx := context.Background()

	assert.Empty(t, e.CheckBreakers(ctx))
	assert.Empty(t, pub.Types(), "no alert when nothing is open")

	e.Execute(ctx, "svc", "fn", func(context.Context) error { return errValidation })
	open := e.CheckBreakers(ctx)

	require.Len(t, open, 1)
	assert.Equal(t, "svc", open[0].Service)
	ev := pub.Last()
	assert.Equal(t, AlertCircuitBreakersOpen, ev.Type)
	assert.Equal(t, 1, ev.Data["count"])
}
