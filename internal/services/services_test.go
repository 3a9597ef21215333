package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
)

func TestTask_RunsUntilStopped(t *testing.T) {
	var runs int32
	task := NewTask("tick", 5*time.Millisecond, func(context.Context) { atomic.AddInt32(&runs, 1) }, nil)

	task.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, 2*time.Second, time.Millisecond)
	task.Stop()
	task.Wait()

	after := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no iterations after Wait returns")
}

func TestTask_StopLetsIterationFinish(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	task := NewTask("slow", time.Millisecond, func(context.Context) {
		once.Do(func() { close(entered) })
		<-release
		finished.Store(true)
	}, nil)

	task.Start(context.Background())
	<-entered
	task.Stop()

	waited := make(chan struct{})
	go func() {
		task.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while an iteration was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-waited
	assert.True(t, finished.Load())
}

func TestTask_StopIsIdempotentAndWaitWithoutStart(t *testing.T) {
	task := NewTask("idle", time.Hour, func(context.Context) {}, nil)
	task.Stop()
	task.Stop()
	task.Wait()
}

type fakeDeps struct {
	refreshes  int32
	sweeps     int32
	cleanups   int32
	checks     int32
	analyses   int32
	reports    int32
	portScans  int32
	endpoints  []domain.ServiceEndpoint
	sweptNames chan []string
}

func (f *fakeDeps) Refresh(context.Context) error { atomic.AddInt32(&f.refreshes, 1); return nil }

func (f *fakeDeps) List(context.Context) ([]domain.ServiceEndpoint, error) { return f.endpoints, nil }

func (f *fakeDeps) Cleanup(context.Context) ([]string, error) {
	atomic.AddInt32(&f.cleanups, 1)
	return nil, nil
}

func (f *fakeDeps) Sweep(_ context.Context, eps []domain.ServiceEndpoint) []string {
	if atomic.AddInt32(&f.sweeps, 1) == 1 {
		var names []string
		for _, ep := range eps {
			names = append(names, ep.ServiceName)
		}
		f.sweptNames <- names
	}
	return nil
}

func (f *fakeDeps) CheckBreakers(context.Context) []reliability.BreakerSnapshot {
	atomic.AddInt32(&f.checks, 1)
	return nil
}

func (f *fakeDeps) AnalyzeErrorRate(context.Context) reliability.RateAnalysis {
	atomic.AddInt32(&f.analyses, 1)
	return reliability.RateAnalysis{}
}

func (f *fakeDeps) Report(context.Context) reliability.Report {
	atomic.AddInt32(&f.reports, 1)
	return reliability.Report{}
}

type portScan struct{ f *fakeDeps }

func (p portScan) Refresh(context.Context) error { atomic.AddInt32(&p.f.portScans, 1); return nil }

func TestDaemon_RunsEveryTask(t *testing.T) {
	f := &fakeDeps{
		endpoints:  []domain.ServiceEndpoint{{ServiceName: "api"}},
		sweptNames: make(chan []string, 1),
	}
	iv := Intervals{
		TelemetryRefresh: time.Millisecond,
		HealthSweep:      time.Millisecond,
		BreakerMonitor:   time.Millisecond,
		ErrorAnalyzer:    time.Millisecond,
		ErrorReport:      time.Millisecond,
		RegistryCleanup:  time.Millisecond,
		PortScan:         time.Millisecond,
	}
	d := NewDaemon(Deps{Telemetry: f, Registry: f, Health: f, Reliability: f, Ports: portScan{f}}, iv, nil)
	assert.Len(t, d.TaskNames(), 7)

	d.Start(context.Background())
	assert.Equal(t, []string{"api"}, <-f.sweptNames)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&f.refreshes) > 0 &&
			atomic.LoadInt32(&f.cleanups) > 0 &&
			atomic.LoadInt32(&f.checks) > 0 &&
			atomic.LoadInt32(&f.analyses) > 0 &&
			atomic.LoadInt32(&f.reports) > 0 &&
			atomic.LoadInt32(&f.portScans) > 0
	}, 2*time.Second, time.Millisecond)
	d.Stop()
}

func TestDaemon_SkipsMissingDepsAndZeroIntervals(t *testing.T) {
	f := &fakeDeps{}
	iv := DefaultIntervals()
	iv.ErrorReport = 0

	d := NewDaemon(Deps{Reliability: f}, iv, nil)

	assert.Equal(t, []string{"breaker-monitor", "error-analyzer"}, d.TaskNames())
}
