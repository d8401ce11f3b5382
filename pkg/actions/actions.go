// Package actions implements the scaling action lifecycle manager:
// tracks recommendations promoted to in-flight actions through
// completion, exposes a status snapshot, and runs a periodic
// evaluation loop over registered pools (component H).
package actions

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/autoscaler"
	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
)

// State is an action's lifecycle state.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) finished() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Action is one scaling action derived from a Recommendation.
type Action struct {
	ID          ids.ID
	PoolID      ids.ID
	Direction   autoscaler.Direction
	FromNodes   int
	ToNodes     int
	State       State
	Reason      string
	CreatedAt   time.Time
	FinishedAt  time.Time
	FailureInfo string
}

// PoolSource supplies the live pool and metrics snapshots an
// evaluation cycle needs.
type PoolSource interface {
	ListPools() []autoscaler.PoolSnapshot
	Metrics(poolID ids.ID) autoscaler.MetricsSnapshot
}

// Executor performs the infrastructure change a Completed action
// represents (e.g. instructing the mesh allocator and node pool to
// add or remove capacity).
type Executor interface {
	Execute(action Action) error
}

// Status is the manager's point-in-time summary.
type Status struct {
	Enabled         bool
	PoolCount       int
	TotalNodes      int
	TotalGPUs       int
	LastEvaluation  time.Time
	PendingActions  int
}

// Manager runs the evaluate-then-act loop and keeps the action
// history needed for the status snapshot and for clear_finished_actions.
type Manager struct {
	logger zerolog.Logger
	cfg    autoscaler.Config
	source PoolSource
	exec   Executor

	mu             sync.Mutex
	enabled        bool
	actions        map[ids.ID]*Action
	lastEvaluation time.Time
	lastScaleUp    map[ids.ID]time.Time
	lastScaleDown  map[ids.ID]time.Time
	totalGPUs      map[ids.ID]int

	stopCh chan struct{}
}

// NewManager constructs an action manager bound to source and exec.
func NewManager(cfg autoscaler.Config, source PoolSource, exec Executor) *Manager {
	return &Manager{
		logger:        clawlog.WithComponent("actions.manager"),
		cfg:           cfg,
		source:        source,
		exec:          exec,
		enabled:       true,
		actions:       make(map[ids.ID]*Action),
		lastScaleUp:   make(map[ids.ID]time.Time),
		lastScaleDown: make(map[ids.ID]time.Time),
		totalGPUs:     make(map[ids.ID]int),
		stopCh:        make(chan struct{}),
	}
}

// SetEnabled toggles whether EvaluateOnce does anything.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// Start begins the periodic evaluation loop.
func (m *Manager) Start(interval time.Duration) {
	go m.run(interval)
}

// Stop halts the periodic evaluation loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EvaluateOnce(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// EvaluateOnce evaluates every pool from source and promotes
// non-None recommendations into new Pending actions.
func (m *Manager) EvaluateOnce(now time.Time) []Action {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var created []Action
	for _, pool := range m.source.ListPools() {
		m.mu.Lock()
		pool.LastScaleUp = m.lastScaleUp[pool.PoolID]
		pool.LastScaleDown = m.lastScaleDown[pool.PoolID]
		m.mu.Unlock()

		metrics := m.source.Metrics(pool.PoolID)
		rec := autoscaler.Evaluate(m.cfg, pool, metrics, now)
		if rec.Direction == autoscaler.None {
			continue
		}

		action := Action{
			ID:        ids.New(),
			PoolID:    pool.PoolID,
			Direction: rec.Direction,
			FromNodes: rec.CurrentNodes,
			ToNodes:   rec.TargetNodes,
			State:     Pending,
			Reason:    rec.Reason,
			CreatedAt: now,
		}

		m.mu.Lock()
		m.actions[action.ID] = &action
		m.lastEvaluation = now
		m.mu.Unlock()

		clawmetrics.ScaleActionsTotal.WithLabelValues(Pending.String()).Inc()
		created = append(created, action)
		go m.execute(action.ID)
	}
	return created
}

func (m *Manager) execute(actionID ids.ID) {
	m.mu.Lock()
	action, ok := m.actions[actionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	action.State = InProgress
	snapshot := *action
	m.mu.Unlock()

	err := m.exec.Execute(snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok = m.actions[actionID]
	if !ok {
		return
	}
	now := time.Now()
	if err != nil {
		action.State = Failed
		action.FailureInfo = err.Error()
		m.logger.Warn().Err(err).Str("pool_id", action.PoolID.String()).Msg("scaling action failed")
	} else {
		action.State = Completed
		if action.Direction == autoscaler.Up {
			m.lastScaleUp[action.PoolID] = now
		} else if action.Direction == autoscaler.Down {
			m.lastScaleDown[action.PoolID] = now
		}
	}
	action.FinishedAt = now
	clawmetrics.ScaleActionsTotal.WithLabelValues(action.State.String()).Inc()
}

// ClearFinishedActions removes every action in a terminal state and
// returns the count removed.
func (m *Manager) ClearFinishedActions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.actions {
		if a.State.finished() {
			delete(m.actions, id)
			removed++
		}
	}
	return removed
}

// Status returns the manager's current status snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, a := range m.actions {
		if !a.State.finished() {
			pending++
		}
	}

	pools := m.source.ListPools()
	totalNodes := 0
	totalGPUs := 0
	for _, p := range pools {
		totalNodes += p.CurrentNodes
		totalGPUs += m.totalGPUs[p.PoolID]
	}

	return Status{
		Enabled:        m.enabled,
		PoolCount:      len(pools),
		TotalNodes:     totalNodes,
		TotalGPUs:      totalGPUs,
		LastEvaluation: m.lastEvaluation,
		PendingActions: pending,
	}
}

// SetGPUCount records a pool's GPU count for the status snapshot.
func (m *Manager) SetGPUCount(poolID ids.ID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalGPUs[poolID] = count
}

// Action looks up a single action by id.
func (m *Manager) Action(id ids.ID) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return Action{}, false
	}
	return *a, true
}

// Cancel transitions a Pending action to Cancelled. It is a no-op
// error if the action is already InProgress or finished.
func (m *Manager) Cancel(id ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return ids.NewError(ids.NotFound, "action not found", nil)
	}
	if a.State != Pending {
		return ids.NewError(ids.NotUsable, "action is no longer pending", nil)
	}
	a.State = Cancelled
	a.FinishedAt = time.Now()
	return nil
}
