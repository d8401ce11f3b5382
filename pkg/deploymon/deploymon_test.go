package deploymon

import (
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/stretchr/testify/assert"
)

func TestAggregateComputesAvgAndSum(t *testing.T) {
	now := time.Now()
	points := []MetricPoint{
		{Name: MetricErrorRate, Value: 1.0},
		{Name: MetricErrorRate, Value: 3.0},
		{Name: MetricLatencyP99, Value: 100},
		{Name: MetricSuccessCount, Value: 50},
		{Name: MetricSuccessCount, Value: 25},
		{Name: MetricFailureCount, Value: 5},
	}
	a := Aggregate(points, now)
	assert.Equal(t, 2.0, a.ErrorRatePct)
	assert.Equal(t, 100.0, a.LatencyP99Ms)
	assert.Equal(t, int64(75), a.SuccessCount)
	assert.Equal(t, int64(5), a.FailureCount)
}

func TestAggregateDefaultsToZeroWhenAbsent(t *testing.T) {
	a := Aggregate(nil, time.Now())
	assert.Zero(t, a.ErrorRatePct)
	assert.Zero(t, a.LatencyP99Ms)
}

func TestCanaryPromoteScenario(t *testing.T) {
	thresholds := ProductionThresholds()
	a := Classify(Assessment{ErrorRatePct: 0.2, LatencyP99Ms: 120, SuccessCount: 1500, FailureCount: 3}, thresholds)
	assert.True(t, a.Healthy)
	assert.True(t, ShouldPromote(a, thresholds))
	assert.False(t, ShouldRollback(a, thresholds))
}

func TestCanaryRollbackScenario(t *testing.T) {
	thresholds := ProductionThresholds()
	a := Classify(Assessment{ErrorRatePct: 5.0, LatencyP99Ms: 150, SuccessCount: 200, FailureCount: 40}, thresholds)
	assert.True(t, ShouldRollback(a, thresholds))
}

func TestRollbackOnHighFailureRatioWithEnoughVolume(t *testing.T) {
	thresholds := StagingThresholds()
	a := Assessment{ErrorRatePct: 1, LatencyP99Ms: 100, SuccessCount: 8, FailureCount: 2}
	a = Classify(a, thresholds)
	assert.True(t, ShouldRollback(a, thresholds))
}

func TestPromoteRequiresMinRequests(t *testing.T) {
	thresholds := ProductionThresholds()
	a := Classify(Assessment{ErrorRatePct: 0, LatencyP99Ms: 0, SuccessCount: 1, FailureCount: 0}, thresholds)
	assert.False(t, ShouldPromote(a, thresholds))
}

func TestMonitorHistoryBoundedTo100(t *testing.T) {
	mon := NewMonitor()
	deploymentID := ids.New()
	now := time.Now()
	for i := 0; i < 150; i++ {
		mon.Record(deploymentID, []MetricPoint{{Name: MetricSuccessCount, Value: 1}}, DevThresholds(), now)
	}
	assert.Len(t, mon.History(deploymentID), maxHistory)
}

func TestMonitorLatestReturnsLastRecorded(t *testing.T) {
	mon := NewMonitor()
	deploymentID := ids.New()
	mon.Record(deploymentID, []MetricPoint{{Name: MetricErrorRate, Value: 1}}, DevThresholds(), time.Now())
	latest, ok := mon.Latest(deploymentID)
	assert.True(t, ok)
	assert.Equal(t, 1.0, latest.ErrorRatePct)
}
