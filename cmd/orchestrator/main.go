package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/adapters/mtls"
	"github.com/worldland/worldland-orchestrator/internal/adapters/nvml"
	"github.com/worldland/worldland-orchestrator/internal/alert"
	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/api"
	"github.com/worldland/worldland-orchestrator/internal/config"
	"github.com/worldland/worldland-orchestrator/internal/container"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/health"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
	"github.com/worldland/worldland-orchestrator/internal/orchestrator"
	"github.com/worldland/worldland-orchestrator/internal/port"
	"github.com/worldland/worldland-orchestrator/internal/registry"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
	"github.com/worldland/worldland-orchestrator/internal/services"
	"github.com/worldland/worldland-orchestrator/internal/store"
	"github.com/worldland/worldland-orchestrator/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "YAML configuration file")
	listen := flag.String("listen", "", "Admin API listen address (e.g., :7070)")
	advertiseHost := flag.String("advertise-host", "", "Host written into service registrations")
	dataDir := flag.String("data-dir", "", "Directory for the persistent store (in-memory if empty)")
	nodeID := flag.String("node-id", "", "Node ID for the local GPUs (defaults to the host name)")
	localGPU := flag.Bool("local-gpu", false, "Report this host's GPUs as a node")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text or json)")
	flag.Parse()

	log := logging.Root()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
	}

	// Explicit flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "advertise-host":
			cfg.AdvertiseHost = *advertiseHost
		case "data-dir":
			cfg.DataDir = *dataDir
		case "node-id":
			cfg.NodeID = *nodeID
		case "local-gpu":
			cfg.LocalGPU = *localGPU
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	if err := logging.SetFormat(cfg.LogFormat); err != nil {
		log.WithError(err).Fatal("invalid log format")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("orchestrator failed")
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	shared, closeStore, err := openStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Ports
	lo, hi, _ := cfg.Ports()
	var portOpts []port.Option
	var scanner *container.PortScanner
	if cfg.DockerPortScan {
		scanner, err = container.NewPortScanner(log.WithField("Component", "docker"))
		if err != nil {
			log.WithError(err).Warn("docker unavailable, container ports will not be excluded")
		} else {
			defer scanner.Close()
			if err := scanner.Refresh(ctx); err != nil {
				log.WithError(err).Warn("initial container port scan failed")
			}
			portOpts = append(portOpts, port.WithExternal(scanner))
		}
	}
	ports := port.NewPortManager(lo, hi, portOpts...)

	// Registry
	checker := health.NewChecker(
		health.WithTTL(cfg.HealthTTL.D()),
		health.WithTimeout(cfg.HealthTimeout.D()),
		health.WithLogger(log.WithField("Component", "health")),
		health.WithMetrics(m),
	)
	reg := registry.New(shared, ports, checker,
		registry.WithAdvertiseHost(cfg.AdvertiseHost),
		registry.WithLocation(cfg.Region, cfg.AvailabilityZone),
		registry.WithStaleAfter(cfg.ServiceStaleAfter.D()),
		registry.WithLoadBalancing(cfg.LBStrategy, cfg.HealthSweepInterval.D()),
		registry.WithLogger(log.WithField("Component", "registry")),
		registry.WithMetrics(m),
	)

	// Telemetry and allocation
	telemetryOpts := []telemetry.Option{
		telemetry.WithStaleAfter(cfg.NodeStaleAfter.D()),
		telemetry.WithLogger(log.WithField("Component", "telemetry")),
		telemetry.WithMetrics(m),
	}
	var local *nvml.LocalCollector
	if cfg.LocalGPU {
		var shutdown func()
		local, shutdown = localCollector(ctx, cfg.NodeID, log)
		defer shutdown()
		telemetryOpts = append(telemetryOpts, telemetry.WithSources(local))
	}
	nodes := telemetry.New(shared, telemetryOpts...)

	strategy, err := allocator.StrategyByName(cfg.AllocationStrategy)
	if err != nil {
		return err
	}
	alloc := allocator.New(nodes, shared,
		allocator.WithStrategy(strategy),
		allocator.WithCatalog(allocator.NewCatalog(cfg.ModelCatalog, cfg.DefaultVRAMMB)),
		allocator.WithLogger(log.WithField("Component", "allocator")),
		allocator.WithMetrics(m),
	)

	// Alerts and error handling
	sinks, closeSinks := alertSinks(ctx, cfg, log)
	defer closeSinks()
	publisher := alert.NewPublisher(sinks,
		alert.WithBufferSize(cfg.AlertBuffer),
		alert.WithLogger(log.WithField("Component", "alert")),
		alert.WithMetrics(m),
	)
	publisher.Start()
	defer publisher.Close()

	engine := reliability.NewEngine(
		reliability.WithBreakerSettings(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout.D()),
		reliability.WithHistorySize(cfg.ErrorHistorySize),
		reliability.WithErrorRateAlert(cfg.ErrorRateWindow.D(), cfg.ErrorRateThreshold, cfg.AlertTopPatterns),
		reliability.WithStore(shared),
		reliability.WithPublisher(publisher),
		reliability.WithLogger(log.WithField("Component", "reliability")),
		reliability.WithMetrics(m),
	)

	orch := orchestrator.New(nodes, alloc, reg, engine,
		orchestrator.WithDispatchTimeout(cfg.DispatchTimeout.D()),
		orchestrator.WithLogger(log.WithField("Component", "orchestrator")),
	)
	if err := orch.Restore(ctx); err != nil {
		return err
	}

	if local != nil {
		hostname, err := local.Hostname(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to read host name")
		}
		if _, err := orch.RegisterNode(ctx, telemetry.NodeRegistration{
			ID:       local.NodeID(),
			Hostname: hostname,
			Models:   cfg.LocalModels,
		}); err != nil {
			return err
		}
	}

	// Background tasks
	deps := services.Deps{
		Telemetry:   nodes,
		Registry:    reg,
		Health:      checker,
		Reliability: engine,
	}
	if scanner != nil {
		deps.Ports = scanner
	}
	daemon := services.NewDaemon(deps, services.Intervals{
		TelemetryRefresh: cfg.TelemetryInterval.D(),
		HealthSweep:      cfg.HealthSweepInterval.D(),
		BreakerMonitor:   cfg.BreakerMonitorInterval.D(),
		ErrorAnalyzer:    cfg.AnalyzerInterval.D(),
		ErrorReport:      cfg.ReportInterval.D(),
		RegistryCleanup:  cfg.CleanupInterval.D(),
		PortScan:         cfg.PortScanInterval.D(),
	}, log.WithField("Component", "daemon"))
	// The signal stops the loops; an iteration in flight runs to completion.
	daemon.Start(context.WithoutCancel(ctx))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewHandler(orch, promReg, log.WithField("Component", "api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("Listen", cfg.Listen).Info("admin API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		daemon.Stop()
		return err
	}

	daemon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin API shutdown error")
	}
	return nil
}

func openStore(dataDir string) (store.Store, func(), error) {
	if dataDir == "" {
		return store.NewMemory(), func() {}, nil
	}
	f, err := store.OpenFile(dataDir)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logging.Root().WithError(err).Warn("failed to close store")
		}
	}, nil
}

// localCollector reads this host's GPUs through NVML, falling back to a
// mock device for development without NVIDIA hardware. The returned func
// shuts the provider down.
func localCollector(ctx context.Context, nodeID string, log *logrus.Logger) (*nvml.LocalCollector, func()) {
	var provider domain.GPUProvider
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		log.WithError(err).Warn("NVML not available, using mock provider")
		provider = nvml.NewMockGPUProvider([]domain.GPUMetrics{{
			UUID:        "mock-gpu-1",
			Name:        "Mock GPU",
			MemoryTotal: 24000,
			MemoryUsed:  8000,
			GPUUtil:     50,
			Temperature: 60,
			PowerDraw:   120,
		}})
	} else {
		provider = realNVML
	}

	if nodeID == "" {
		if hostname, err := nvml.NewLocalCollector(provider, "").Hostname(ctx); err == nil {
			nodeID = hostname
		} else {
			nodeID = "local"
		}
	}
	return nvml.NewLocalCollector(provider, nodeID), func() {
		if err := provider.Shutdown(); err != nil {
			log.WithError(err).Warn("gpu provider shutdown error")
		}
	}
}

// alertSinks builds the configured sinks. The returned func closes the hub
// connection, if any.
func alertSinks(ctx context.Context, cfg config.Config, log *logrus.Logger) ([]alert.Sink, func()) {
	sinks := []alert.Sink{alert.LogSink{Logger: log.WithField("Component", "alert")}}
	closer := func() {}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.AlertWebhookURL, 3, log.WithField("Component", "webhook")))
	}
	if cfg.HubAddr != "" {
		cert, roots, err := mtls.LoadCredentials(cfg.HubCert, cfg.HubKey, cfg.HubCA)
		if err != nil {
			log.WithError(err).Warn("hub credentials unusable, hub alerts disabled")
			return sinks, closer
		}
		hub := mtls.NewAlertSink(cfg.HubAddr, cert, roots, log.WithField("Component", "hub"))
		if err := hub.Connect(ctx); err != nil {
			log.WithError(err).Warn("hub unreachable, will retry on first alert")
		}
		sinks = append(sinks, hub)
		closer = func() {
			if err := hub.Close(); err != nil {
				log.WithError(err).Debug("hub connection close error")
			}
		}
	}
	return sinks, closer
}
