// Package config holds the orchestrator's settings. Files are YAML; keys
// follow the json tags below.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/ghodss/yaml"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
)

// Duration reads Go duration strings ("30s", "5m"). Bare numbers are
// seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Listen           string `json:"listen"`
	AdvertiseHost    string `json:"advertise_host"`
	Region           string `json:"region"`
	AvailabilityZone string `json:"availability_zone"`
	PortRange        string `json:"port_range"`
	DataDir          string `json:"data_dir"`

	NodeID             string           `json:"node_id"`
	LocalGPU           bool             `json:"local_gpu"`
	LocalModels        []string         `json:"local_models"`
	NodeStaleAfter     Duration         `json:"node_stale_after"`
	TelemetryInterval  Duration         `json:"telemetry_interval"`
	AllocationStrategy string           `json:"allocation_strategy"`
	ModelCatalog       map[string]int64 `json:"model_catalog"`
	DefaultVRAMMB      int64            `json:"default_vram_mb"`

	ServiceStaleAfter   Duration `json:"service_stale_after"`
	CleanupInterval     Duration `json:"cleanup_interval"`
	HealthTTL           Duration `json:"health_ttl"`
	HealthTimeout       Duration `json:"health_timeout"`
	HealthSweepInterval Duration `json:"health_sweep_interval"`
	LBStrategy          string   `json:"lb_strategy"`
	DockerPortScan      bool     `json:"docker_port_scan"`
	PortScanInterval    Duration `json:"port_scan_interval"`

	BreakerFailureThreshold int      `json:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  Duration `json:"breaker_recovery_timeout"`
	ErrorHistorySize        int      `json:"error_history_size"`
	ErrorRateThreshold      int      `json:"error_rate_threshold"`
	ErrorRateWindow         Duration `json:"error_rate_window"`
	AlertTopPatterns        int      `json:"alert_top_patterns"`
	AnalyzerInterval        Duration `json:"analyzer_interval"`
	ReportInterval          Duration `json:"report_interval"`
	BreakerMonitorInterval  Duration `json:"breaker_monitor_interval"`
	DispatchTimeout         Duration `json:"dispatch_timeout"`

	AlertWebhookURL string `json:"alert_webhook_url"`
	AlertBuffer     int    `json:"alert_buffer"`
	HubAddr         string `json:"hub_addr"`
	HubCert         string `json:"hub_cert"`
	HubKey          string `json:"hub_key"`
	HubCA           string `json:"hub_ca"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

func Default() Config {
	return Config{
		Listen:                  ":7070",
		AdvertiseHost:           "localhost",
		PortRange:               "8000-8999",
		NodeStaleAfter:          Duration(5 * time.Minute),
		TelemetryInterval:       Duration(30 * time.Second),
		AllocationStrategy:      allocator.StrategyLeastLoaded,
		DefaultVRAMMB:           allocator.DefaultRequirementMB,
		ServiceStaleAfter:       Duration(time.Hour),
		CleanupInterval:         Duration(10 * time.Minute),
		HealthTTL:               Duration(30 * time.Second),
		HealthTimeout:           Duration(5 * time.Second),
		HealthSweepInterval:     Duration(30 * time.Second),
		LBStrategy:              "round_robin",
		PortScanInterval:        Duration(time.Minute),
		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  Duration(60 * time.Second),
		ErrorHistorySize:        1000,
		ErrorRateThreshold:      20,
		ErrorRateWindow:         Duration(time.Hour),
		AlertTopPatterns:        5,
		AnalyzerInterval:        Duration(5 * time.Minute),
		ReportInterval:          Duration(time.Hour),
		BreakerMonitorInterval:  Duration(time.Minute),
		DispatchTimeout:         Duration(5 * time.Second),
		AlertBuffer:             256,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Ports returns the inclusive bounds of PortRange.
func (c Config) Ports() (int, int, error) {
	lo, hi, err := nat.ParsePortRange(c.PortRange)
	if err != nil {
		return 0, 0, fmt.Errorf("port_range %q: %w", c.PortRange, err)
	}
	if lo == 0 {
		return 0, 0, fmt.Errorf("port_range %q: ports start at 1", c.PortRange)
	}
	return int(lo), int(hi), nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := c.Ports(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.AdvertiseHost) == "" {
		errs = append(errs, errors.New("advertise_host is required"))
	}
	if _, err := allocator.StrategyByName(c.AllocationStrategy); err != nil {
		errs = append(errs, err)
	}
	positive := map[string]int{
		"breaker_failure_threshold": c.BreakerFailureThreshold,
		"error_history_size":        c.ErrorHistorySize,
		"alert_buffer":              c.AlertBuffer,
	}
	for key, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	for key, d := range map[string]Duration{
		"node_stale_after":         c.NodeStaleAfter,
		"service_stale_after":      c.ServiceStaleAfter,
		"health_ttl":               c.HealthTTL,
		"health_timeout":           c.HealthTimeout,
		"breaker_recovery_timeout": c.BreakerRecoveryTimeout,
		"dispatch_timeout":         c.DispatchTimeout,
		"error_rate_window":        c.ErrorRateWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.HubAddr != "" && (c.HubCert == "" || c.HubKey == "" || c.HubCA == "") {
		errs = append(errs, errors.New("hub_addr requires hub_cert, hub_key and hub_ca"))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}
