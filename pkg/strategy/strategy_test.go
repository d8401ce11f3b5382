package strategy

import (
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/deploymon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectStrategyHonoursValidHint(t *testing.T) {
	hint := Strategy{Kind: Canary, Percentage: 20, Duration: 5 * time.Minute}
	s := SelectStrategy(Intent{StrategyHint: &hint}, Production)
	assert.Equal(t, hint, s)
}

func TestSelectStrategyRejectsInvalidHint(t *testing.T) {
	hint := Strategy{Kind: Canary, Percentage: 0}
	s := SelectStrategy(Intent{Replicas: 8, ImageChanged: true, StrategyHint: &hint}, Production)
	assert.Equal(t, Canary, s.Kind)
	assert.Equal(t, 10, s.Percentage)
}

func TestSelectStrategyDevIsImmediate(t *testing.T) {
	s := SelectStrategy(Intent{Replicas: 3}, Dev)
	assert.Equal(t, Immediate, s.Kind)
}

func TestSelectStrategyScaleOutIsRolling(t *testing.T) {
	s := SelectStrategy(Intent{Replicas: 12}, Production)
	assert.Equal(t, Rolling, s.Kind)
	assert.Equal(t, 3, s.BatchSize)
}

func TestCanaryPromoteReachesComplete(t *testing.T) {
	mon := deploymon.NewMonitor()
	engine := NewEngine(mon)
	now := time.Now()

	d := engine.Start(Intent{
		Image: "x:v2", Replicas: 10, ImageChanged: true,
		StrategyHint: &Strategy{Kind: Canary, Percentage: 20, Duration: 5 * time.Minute},
	}, Production, now)
	assert.Equal(t, InCanary, d.State)
	assert.Equal(t, 2, d.HealthyReplicas)

	thresholds := deploymon.ProductionThresholds()
	assessment := deploymon.Classify(deploymon.Assessment{
		ErrorRatePct: 0.2, LatencyP99Ms: 120, SuccessCount: 1500, FailureCount: 3,
	}, thresholds)

	updated, err := engine.Advance(d.ID, assessment, thresholds, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Complete, updated.State)
	assert.Equal(t, 10, updated.HealthyReplicas)
}

func TestRollbackOnDegradationReachesFailed(t *testing.T) {
	mon := deploymon.NewMonitor()
	engine := NewEngine(mon)
	now := time.Now()

	d := engine.Start(Intent{
		Image: "x:v2", Replicas: 10, ImageChanged: true,
		StrategyHint: &Strategy{Kind: Canary, Percentage: 20, Duration: 5 * time.Minute},
	}, Production, now)

	thresholds := deploymon.ProductionThresholds()
	assessment := deploymon.Classify(deploymon.Assessment{
		ErrorRatePct: 5.0, LatencyP99Ms: 150, SuccessCount: 200, FailureCount: 40,
	}, thresholds)

	updated, err := engine.Advance(d.ID, assessment, thresholds, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, FailedState, updated.State)
}

func TestTerminalStateIsSticky(t *testing.T) {
	mon := deploymon.NewMonitor()
	engine := NewEngine(mon)
	now := time.Now()
	d := engine.Start(Intent{Replicas: 1}, Dev, now)

	healthy := deploymon.Classify(deploymon.Assessment{}, deploymon.DevThresholds())
	updated, err := engine.Advance(d.ID, healthy, deploymon.DevThresholds(), now)
	require.NoError(t, err)
	assert.Equal(t, Complete, updated.State)

	again, err := engine.Advance(d.ID, healthy, deploymon.DevThresholds(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Complete, again.State)
	assert.Equal(t, updated.UpdatedAt, again.UpdatedAt)
}

func TestOperatorRequestedRollbackThenRecover(t *testing.T) {
	mon := deploymon.NewMonitor()
	engine := NewEngine(mon)
	now := time.Now()
	d := engine.Start(Intent{Replicas: 4}, Staging, now)

	require.NoError(t, engine.RequestRollback(d.ID, now))
	got, _ := engine.Get(d.ID)
	assert.Equal(t, RollingBack, got.State)

	require.NoError(t, engine.Recover(d.ID, now.Add(time.Minute)))
	got, _ = engine.Get(d.ID)
	assert.Equal(t, Complete, got.State)
}
