package reliability

import (
	"context"
	"sort"
	"time"

	"github.com/worldland/worldland-orchestrator/internal/alert"
)

const (
	AlertHighErrorRate       = "high_error_rate"
	AlertErrorReport         = "error_report"
	AlertCircuitBreakersOpen = "circuit_breakers_open"

	alertSource = "reliability"
)

// Pattern counts errors sharing a category and type.
type Pattern struct {
	Category  Category `json:"category"`
	ErrorType string   `json:"error_type"`
	Count     int      `json:"count"`
}

// RateAnalysis is the result of one error-rate scan.
type RateAnalysis struct {
	Window    time.Duration `json:"window"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Exceeded  bool          `json:"exceeded"`
	Patterns  []Pattern     `json:"patterns"`
}

// AnalyzeErrorRate scans the last window of history and raises a
// high_error_rate alert with the most frequent patterns when the volume is
// above the threshold.
func (e *Engine) AnalyzeErrorRate(ctx context.Context) RateAnalysis {
	recent := e.history.Since(e.now().Add(-e.rateWindow))
	res := RateAnalysis{
		Window:    e.rateWindow,
		Count:     len(recent),
		Threshold: e.rateThreshold,
		Exceeded:  len(recent) > e.rateThreshold,
		Patterns:  topPatterns(recent, e.topN),
	}
	if res.Exceeded {
		e.emit(AlertHighErrorRate, map[string]interface{}{
			"count":    res.Count,
			"window":   res.Window.String(),
			"patterns": res.Patterns,
		})
	}
	return res
}

func topPatterns(records []ErrorRecord, n int) []Pattern {
	counts := map[Pattern]int{}
	for _, rec := range records {
		counts[Pattern{Category: rec.Category, ErrorType: rec.ErrorType}]++
	}
	out := make([]Pattern, 0, len(counts))
	for p, c := range counts {
		p.Count = c
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Report summarizes the retained history.
type Report struct {
	GeneratedAt       time.Time         `json:"generated_at"`
	TotalErrors       int               `json:"total_errors"`
	BySeverity        map[Severity]int  `json:"by_severity"`
	ByCategory        map[Category]int  `json:"by_category"`
	RecoveryAttempted int               `json:"recovery_attempted"`
	RecoverySucceeded int               `json:"recovery_succeeded"`
	RecoveryRate      float64           `json:"recovery_rate"`
	Breakers          []BreakerSnapshot `json:"breakers"`
}

// Report builds the periodic error report and publishes it as an
// error_report alert. RecoveryRate is a percentage and is zero when no
// recovery was attempted.
func (e *Engine) Report(ctx context.Context) Report {
	records := e.history.Records()
	r := Report{
		GeneratedAt: e.now(),
		TotalErrors: len(records),
		BySeverity:  map[Severity]int{},
		ByCategory:  map[Category]int{},
		Breakers:    e.Breakers(),
	}
	for _, rec := range records {
		r.BySeverity[rec.Severity]++
		r.ByCategory[rec.Category]++
		if rec.RecoveryAttempted {
			r.RecoveryAttempted++
			if rec.RecoverySuccessful {
				r.RecoverySucceeded++
			}
		}
	}
	if r.RecoveryAttempted > 0 {
		r.RecoveryRate = float64(r.RecoverySucceeded) / float64(r.RecoveryAttempted) * 100
	}
	e.emit(AlertErrorReport, map[string]interface{}{
		"total_errors":  r.TotalErrors,
		"by_severity":   r.BySeverity,
		"by_category":   r.ByCategory,
		"recovery_rate": r.RecoveryRate,
		"breakers":      r.Breakers,
	})
	return r
}

// CheckBreakers raises circuit_breakers_open when any breaker is open and
// returns the open ones.
func (e *Engine) CheckBreakers(ctx context.Context) []BreakerSnapshot {
	all := e.Breakers()
	var open []BreakerSnapshot
	for _, s := range all {
		e.metrics.SetBreakerState(s.Service, s.Function, s.State.gauge())
		if s.State == StateOpen {
			open = append(open, s)
		}
	}
	if len(open) > 0 {
		e.emit(AlertCircuitBreakersOpen, map[string]interface{}{
			"count":    len(open),
			"breakers": open,
		})
	}
	return open
}

func (e *Engine) emit(typ string, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(alert.NewEvent(typ, alertSource, data))
}
