// Package deploymon aggregates metric points into health assessments
// and decides promote/rollback against per-environment thresholds
// (component I).
package deploymon

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
)

const maxHistory = 100

// MetricPoint is one observed sample fed into an assessment.
type MetricPoint struct {
	Timestamp time.Time
	Name      string
	Value     float64
	Labels    map[string]string
}

// Known metric point names.
const (
	MetricErrorRate    = "error_rate"
	MetricLatencyP99   = "latency_p99"
	MetricSuccessCount = "success_count"
	MetricFailureCount = "failure_count"
)

// Thresholds bounds health classification and promote/rollback
// predicates for one environment.
type Thresholds struct {
	MaxErrorRatePct  float64
	MaxLatencyP99Ms  float64
	MinRequests      int64
	MinSuccessRatio  float64
}

// Preset environments, from spec §4.I.
func ProductionThresholds() Thresholds {
	return Thresholds{MaxErrorRatePct: 1.0, MaxLatencyP99Ms: 200, MinRequests: 100, MinSuccessRatio: 0.99}
}

func StagingThresholds() Thresholds {
	return Thresholds{MaxErrorRatePct: 5.0, MaxLatencyP99Ms: 500, MinRequests: 20, MinSuccessRatio: 0.95}
}

func DevThresholds() Thresholds {
	return Thresholds{MaxErrorRatePct: 20.0, MaxLatencyP99Ms: 2000, MinRequests: 1, MinSuccessRatio: 0.50}
}

// Assessment is one aggregation cycle's computed health snapshot.
type Assessment struct {
	Timestamp     time.Time
	ErrorRatePct  float64
	LatencyP99Ms  float64
	SuccessCount  int64
	FailureCount  int64
	Healthy       bool
}

func (a Assessment) total() int64 {
	return a.SuccessCount + a.FailureCount
}

// Aggregate reduces a batch of points into an Assessment per spec
// §4.I's exact averaging/summing contract.
func Aggregate(points []MetricPoint, now time.Time) Assessment {
	var errSum, errN float64
	var latSum, latN float64
	var success, failure int64

	for _, p := range points {
		switch p.Name {
		case MetricErrorRate:
			errSum += p.Value
			errN++
		case MetricLatencyP99:
			latSum += p.Value
			latN++
		case MetricSuccessCount:
			success += int64(p.Value)
		case MetricFailureCount:
			failure += int64(p.Value)
		}
	}

	a := Assessment{Timestamp: now, SuccessCount: success, FailureCount: failure}
	if errN > 0 {
		a.ErrorRatePct = errSum / errN
	}
	if latN > 0 {
		a.LatencyP99Ms = latSum / latN
	}
	return a
}

// Classify fills in Healthy against thresholds.
func Classify(a Assessment, t Thresholds) Assessment {
	a.Healthy = a.ErrorRatePct <= t.MaxErrorRatePct && a.LatencyP99Ms <= t.MaxLatencyP99Ms
	return a
}

// ShouldPromote implements the promote predicate of spec §4.I.
func ShouldPromote(a Assessment, t Thresholds) bool {
	total := a.total()
	if total < t.MinRequests {
		return false
	}
	if !a.Healthy {
		return false
	}
	return float64(a.SuccessCount)/float64(total) >= t.MinSuccessRatio
}

// ShouldRollback implements the rollback predicate of spec §4.I.
func ShouldRollback(a Assessment, t Thresholds) bool {
	if a.ErrorRatePct > 2*t.MaxErrorRatePct {
		return true
	}
	if a.LatencyP99Ms > 2*t.MaxLatencyP99Ms {
		return true
	}
	total := a.total()
	if total >= 10 && float64(a.FailureCount)/float64(total) > 0.10 {
		return true
	}
	return false
}

// Monitor retains the bounded assessment history for every
// deployment under evaluation.
type Monitor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	history map[ids.ID][]Assessment
}

// NewMonitor constructs an empty health assessment monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		logger:  clawlog.WithComponent("deploymon"),
		history: make(map[ids.ID][]Assessment),
	}
}

// Record aggregates points, classifies against t, appends to the
// deployment's history (bounded to the last 100 entries), and returns
// the resulting assessment.
func (m *Monitor) Record(deploymentID ids.ID, points []MetricPoint, t Thresholds, now time.Time) Assessment {
	a := Classify(Aggregate(points, now), t)

	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[deploymentID], a)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	m.history[deploymentID] = hist
	return a
}

// History returns a deployment's retained assessments, oldest first.
func (m *Monitor) History(deploymentID ids.ID) []Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Assessment(nil), m.history[deploymentID]...)
}

// Latest returns a deployment's most recent assessment, if any.
func (m *Monitor) Latest(deploymentID ids.ID) (Assessment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[deploymentID]
	if len(hist) == 0 {
		return Assessment{}, false
	}
	return hist[len(hist)-1], true
}
