package actions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/autoscaler"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	pools   []autoscaler.PoolSnapshot
	metrics map[ids.ID]autoscaler.MetricsSnapshot
}

func (f *fakeSource) ListPools() []autoscaler.PoolSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]autoscaler.PoolSnapshot(nil), f.pools...)
}

func (f *fakeSource) Metrics(poolID ids.ID) autoscaler.MetricsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[poolID]
}

type fakeExecutor struct {
	mu   sync.Mutex
	fail bool
	runs []Action
}

func (f *fakeExecutor) Execute(a Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, a)
	if f.fail {
		return errors.New("executor failed")
	}
	return nil
}

func testPolicy() autoscaler.Policy {
	return autoscaler.Policy{
		MinNodes: 1, MaxNodes: 10,
		TargetUtilisationPct: 70, TolerancePct: 10,
		ScaleUpCooldown: time.Minute, ScaleDownCooldown: time.Minute,
		MaxScaleStep: 5,
	}
}

func waitForTerminal(t *testing.T, m *Manager, id ids.ID) Action {
	t.Helper()
	for i := 0; i < 1000; i++ {
		a, ok := m.Action(id)
		require.True(t, ok)
		if a.State == Completed || a.State == Failed {
			return a
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("action never reached a terminal state")
	return Action{}
}

func TestEvaluateOnceCreatesAndCompletesAction(t *testing.T) {
	poolID := ids.New()
	source := &fakeSource{
		pools: []autoscaler.PoolSnapshot{{PoolID: poolID, Policy: testPolicy(), CurrentNodes: 0}},
		metrics: map[ids.ID]autoscaler.MetricsSnapshot{poolID: {}},
	}
	exec := &fakeExecutor{}
	mgr := NewManager(autoscaler.Config{MinConfidence: 0}, source, exec)

	created := mgr.EvaluateOnce(time.Now())
	require.Len(t, created, 1)
	assert.Equal(t, autoscaler.Up, created[0].Direction)

	final := waitForTerminal(t, mgr, created[0].ID)
	assert.Equal(t, Completed, final.State)
}

func TestEvaluateOnceDisabledSkipsAll(t *testing.T) {
	poolID := ids.New()
	source := &fakeSource{
		pools: []autoscaler.PoolSnapshot{{PoolID: poolID, Policy: testPolicy(), CurrentNodes: 0}},
		metrics: map[ids.ID]autoscaler.MetricsSnapshot{poolID: {}},
	}
	mgr := NewManager(autoscaler.Config{MinConfidence: 0}, source, &fakeExecutor{})
	mgr.SetEnabled(false)
	assert.Empty(t, mgr.EvaluateOnce(time.Now()))
}

func TestExecuteFailureMarksActionFailed(t *testing.T) {
	poolID := ids.New()
	source := &fakeSource{
		pools: []autoscaler.PoolSnapshot{{PoolID: poolID, Policy: testPolicy(), CurrentNodes: 0}},
		metrics: map[ids.ID]autoscaler.MetricsSnapshot{poolID: {}},
	}
	exec := &fakeExecutor{fail: true}
	mgr := NewManager(autoscaler.Config{MinConfidence: 0}, source, exec)

	created := mgr.EvaluateOnce(time.Now())
	require.Len(t, created, 1)
	final := waitForTerminal(t, mgr, created[0].ID)
	assert.Equal(t, Failed, final.State)
	assert.NotEmpty(t, final.FailureInfo)
}

func TestClearFinishedActionsRemovesOnlyTerminal(t *testing.T) {
	poolID := ids.New()
	source := &fakeSource{
		pools: []autoscaler.PoolSnapshot{{PoolID: poolID, Policy: testPolicy(), CurrentNodes: 0}},
		metrics: map[ids.ID]autoscaler.MetricsSnapshot{poolID: {}},
	}
	mgr := NewManager(autoscaler.Config{MinConfidence: 0}, source, &fakeExecutor{})
	created := mgr.EvaluateOnce(time.Now())
	require.Len(t, created, 1)
	waitForTerminal(t, mgr, created[0].ID)

	removed := mgr.ClearFinishedActions()
	assert.Equal(t, 1, removed)
	_, ok := mgr.Action(created[0].ID)
	assert.False(t, ok)
}

func TestCancelOnlyAllowedWhilePending(t *testing.T) {
	mgr := NewManager(autoscaler.Config{}, &fakeSource{}, &fakeExecutor{})
	id := ids.New()
	mgr.mu.Lock()
	mgr.actions[id] = &Action{ID: id, State: Pending}
	mgr.mu.Unlock()

	require.NoError(t, mgr.Cancel(id))
	a, _ := mgr.Action(id)
	assert.Equal(t, Cancelled, a.State)

	assert.Error(t, mgr.Cancel(id))
}

func TestStatusReportsPoolAndGPUTotals(t *testing.T) {
	poolID := ids.New()
	source := &fakeSource{
		pools:   []autoscaler.PoolSnapshot{{PoolID: poolID, Policy: testPolicy(), CurrentNodes: 3}},
		metrics: map[ids.ID]autoscaler.MetricsSnapshot{poolID: {GPUUtilisationAvg: 70}},
	}
	mgr := NewManager(autoscaler.Config{MinConfidence: 0}, source, &fakeExecutor{})
	mgr.SetGPUCount(poolID, 8)

	status := mgr.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.PoolCount)
	assert.Equal(t, 3, status.TotalNodes)
	assert.Equal(t, 8, status.TotalGPUs)
}
