package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
)

// Intervals sets how often each background task runs. A zero interval
// disables the task.
type Intervals struct {
	TelemetryRefresh time.Duration
	HealthSweep      time.Duration
	BreakerMonitor   time.Duration
	ErrorAnalyzer    time.Duration
	ErrorReport      time.Duration
	RegistryCleanup  time.Duration
	PortScan         time.Duration
}

// DefaultIntervals matches the cadences operators expect from the alerts.
func DefaultIntervals() Intervals {
	return Intervals{
		TelemetryRefresh: 30 * time.Second,
		HealthSweep:      30 * time.Second,
		BreakerMonitor:   time.Minute,
		ErrorAnalyzer:    5 * time.Minute,
		ErrorReport:      time.Hour,
		RegistryCleanup:  10 * time.Minute,
		PortScan:         time.Minute,
	}
}

type TelemetryRefresher interface {
	Refresh(ctx context.Context) error
}

type ServiceRegistry interface {
	List(ctx context.Context) ([]domain.ServiceEndpoint, error)
	Cleanup(ctx context.Context) ([]string, error)
}

type HealthSweeper interface {
	Sweep(ctx context.Context, endpoints []domain.ServiceEndpoint) []string
}

type ErrorMonitor interface {
	CheckBreakers(ctx context.Context) []reliability.BreakerSnapshot
	AnalyzeErrorRate(ctx context.Context) reliability.RateAnalysis
	Report(ctx context.Context) reliability.Report
}

type PortScanner interface {
	Refresh(ctx context.Context) error
}

// Deps are the components the daemon drives. Nil members disable the tasks
// that need them.
type Deps struct {
	Telemetry   TelemetryRefresher
	Registry    ServiceRegistry
	Health      HealthSweeper
	Reliability ErrorMonitor
	Ports       PortScanner
}

// Daemon owns the orchestrator's background tasks.
type Daemon struct {
	deps   Deps
	tasks  []*Task
	logger logrus.FieldLogger
}

func NewDaemon(deps Deps, iv Intervals, logger logrus.FieldLogger) *Daemon {
	d := &Daemon{deps: deps, logger: logging.OrRoot(logger)}
	add := func(name string, interval time.Duration, enabled bool, run func(context.Context)) {
		if !enabled || interval <= 0 {
			return
		}
		d.tasks = append(d.tasks, NewTask(name, interval, run, d.logger))
	}
	add("telemetry-refresh", iv.TelemetryRefresh, deps.Telemetry != nil, d.refreshTelemetry)
	add("health-sweep", iv.HealthSweep, deps.Registry != nil && deps.Health != nil, d.sweepHealth)
	add("breaker-monitor", iv.BreakerMonitor, deps.Reliability != nil, d.monitorBreakers)
	add("error-analyzer", iv.ErrorAnalyzer, deps.Reliability != nil, d.analyzeErrors)
	add("error-report", iv.ErrorReport, deps.Reliability != nil, d.reportErrors)
	add("registry-cleanup", iv.RegistryCleanup, deps.Registry != nil, d.cleanupRegistry)
	add("port-scan", iv.PortScan, deps.Ports != nil, d.scanPorts)
	return d
}

// TaskNames lists the enabled tasks.
func (d *Daemon) TaskNames() []string {
	names := make([]string, 0, len(d.tasks))
	for _, t := range d.tasks {
		names = append(names, t.Name)
	}
	return names
}

func (d *Daemon) Start(ctx context.Context) {
	for _, t := range d.tasks {
		t.Start(ctx)
	}
	d.logger.WithField("Tasks", d.TaskNames()).Info("background tasks started")
}

// Stop signals every task and waits for in-flight iterations to finish.
func (d *Daemon) Stop() {
	for _, t := range d.tasks {
		t.Stop()
	}
	for _, t := range d.tasks {
		t.Wait()
	}
	d.logger.Info("background tasks stopped")
}

func (d *Daemon) refreshTelemetry(ctx context.Context) {
	if err := d.deps.Telemetry.Refresh(ctx); err != nil {
		d.logger.WithError(err).Warn("telemetry refresh failed")
	}
}

func (d *Daemon) sweepHealth(ctx context.Context) {
	eps, err := d.deps.Registry.List(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("listing services for health sweep failed")
		return
	}
	if unhealthy := d.deps.Health.Sweep(ctx, eps); len(unhealthy) > 0 {
		d.logger.WithField("Services", unhealthy).Info("unhealthy services")
	}
}

func (d *Daemon) monitorBreakers(ctx context.Context) {
	if open := d.deps.Reliability.CheckBreakers(ctx); len(open) > 0 {
		d.logger.WithField("Count", len(open)).Warn("circuit breakers open")
	}
}

func (d *Daemon) analyzeErrors(ctx context.Context) {
	res := d.deps.Reliability.AnalyzeErrorRate(ctx)
	if res.Exceeded {
		d.logger.WithFields(logrus.Fields{
			"Count":  res.Count,
			"Window": res.Window.String(),
		}).Warn("high error rate")
	}
}

func (d *Daemon) reportErrors(ctx context.Context) {
	r := d.deps.Reliability.Report(ctx)
	d.logger.WithFields(logrus.Fields{
		"TotalErrors":  r.TotalErrors,
		"RecoveryRate": r.RecoveryRate,
	}).Info("error report")
}

func (d *Daemon) cleanupRegistry(ctx context.Context) {
	removed, err := d.deps.Registry.Cleanup(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("registry cleanup failed")
	}
	if len(removed) > 0 {
		d.logger.WithField("Services", removed).Info("removed stale unhealthy services")
	}
}

func (d *Daemon) scanPorts(ctx context.Context) {
	if err := d.deps.Ports.Refresh(ctx); err != nil {
		d.logger.WithError(err).Warn("container port scan failed")
	}
}
