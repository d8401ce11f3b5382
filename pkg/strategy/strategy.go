// Package strategy selects a deployment strategy from an intent and
// drives the deployment state machine through health-assessment-gated
// promote/rollback transitions (component J).
package strategy

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/deploymon"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
)

// Kind is a deployment strategy's shape.
type Kind int

const (
	Immediate Kind = iota
	Canary
	BlueGreen
	Rolling
)

func (k Kind) String() string {
	switch k {
	case Canary:
		return "canary"
	case BlueGreen:
		return "blue_green"
	case Rolling:
		return "rolling"
	default:
		return "immediate"
	}
}

// Strategy is the chosen deployment shape with its parameters.
type Strategy struct {
	Kind       Kind
	Percentage int           // Canary only, 1..100
	Duration   time.Duration // Canary only
	BatchSize  int           // Rolling only, >=1
}

// Valid reports whether the strategy's parameters satisfy their
// invariants for its Kind.
func (s Strategy) Valid() bool {
	switch s.Kind {
	case Canary:
		return s.Percentage >= 1 && s.Percentage <= 100
	case Rolling:
		return s.BatchSize >= 1
	default:
		return true
	}
}

// Environment informs the strategy-hint fallback heuristic.
type Environment int

const (
	Dev Environment = iota
	Staging
	Production
)

// Intent is the deployment request, before a strategy is chosen.
type Intent struct {
	Image        string
	Replicas     int
	GPUs         int
	Constraints  map[string]string
	StrategyHint *Strategy
	ImageChanged bool
}

// SelectStrategy implements spec §4.J's intent→strategy rule: honour
// a valid hint, else pick by environment and whether the image
// changed.
func SelectStrategy(intent Intent, env Environment) Strategy {
	if intent.StrategyHint != nil && intent.StrategyHint.Valid() {
		return *intent.StrategyHint
	}

	if env == Dev {
		return Strategy{Kind: Immediate}
	}

	if intent.ImageChanged {
		return Strategy{Kind: Canary, Percentage: 10, Duration: 5 * time.Minute}
	}

	batch := intent.Replicas / 4
	if batch < 1 {
		batch = 1
	}
	return Strategy{Kind: Rolling, BatchSize: batch}
}

// State is a deployment's lifecycle state.
type State int

const (
	Pending State = iota
	Deploying
	InCanary
	Promoting
	RollingBack
	Complete
	FailedState
)

func (s State) String() string {
	switch s {
	case Deploying:
		return "deploying"
	case InCanary:
		return "canary"
	case Promoting:
		return "promoting"
	case RollingBack:
		return "rolling_back"
	case Complete:
		return "complete"
	case FailedState:
		return "failed"
	default:
		return "pending"
	}
}

func (s State) terminal() bool {
	return s == Complete || s == FailedState
}

// Deployment tracks one deployment's state machine instance.
type Deployment struct {
	ID          ids.ID
	Strategy    Strategy
	State       State
	HealthyReplicas int
	TotalReplicas   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Engine drives deployment state machines, consulting a deploymon
// Monitor for promote/rollback decisions.
type Engine struct {
	logger  zerolog.Logger
	monitor *deploymon.Monitor

	mu          sync.Mutex
	deployments map[ids.ID]*Deployment
}

// NewEngine constructs a strategy engine bound to monitor.
func NewEngine(monitor *deploymon.Monitor) *Engine {
	return &Engine{
		logger:      clawlog.WithComponent("strategy.engine"),
		monitor:     monitor,
		deployments: make(map[ids.ID]*Deployment),
	}
}

// Start begins a new deployment: Pending -> Deploying, or directly
// InCanary when the selected strategy is Canary.
func (e *Engine) Start(intent Intent, env Environment, now time.Time) *Deployment {
	strategy := SelectStrategy(intent, env)
	d := &Deployment{
		ID:            ids.New(),
		Strategy:      strategy,
		State:         Deploying,
		TotalReplicas: intent.Replicas,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if strategy.Kind == Canary {
		d.State = InCanary
		d.HealthyReplicas = (intent.Replicas * strategy.Percentage) / 100
	}

	e.mu.Lock()
	e.deployments[d.ID] = d
	e.mu.Unlock()

	clawmetrics.DeploymentsTotal.WithLabelValues(strategy.Kind.String(), d.State.String()).Inc()
	return d
}

// Get returns a deployment by id.
func (e *Engine) Get(id ids.ID) (Deployment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployments[id]
	if !ok {
		return Deployment{}, false
	}
	return *d, true
}

// Advance feeds a health assessment through the promote/rollback
// predicates and applies the resulting legal transition, per spec
// §3's state machine and §4.J's transition table.
func (e *Engine) Advance(deploymentID ids.ID, assessment deploymon.Assessment, thresholds deploymon.Thresholds, now time.Time) (Deployment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.deployments[deploymentID]
	if !ok {
		return Deployment{}, ids.NewError(ids.NotFound, "deployment not found", nil)
	}
	if d.State.terminal() {
		return *d, nil
	}

	if deploymon.ShouldRollback(assessment, thresholds) {
		e.transition(d, RollingBack, now)
		e.transition(d, FailedState, now)
		return *d, nil
	}

	switch d.State {
	case Deploying:
		if assessment.Healthy {
			e.transition(d, Complete, now)
			d.HealthyReplicas = d.TotalReplicas
		}
	case InCanary:
		if deploymon.ShouldPromote(assessment, thresholds) {
			e.transition(d, Promoting, now)
			e.transition(d, Complete, now)
			d.HealthyReplicas = d.TotalReplicas
		}
	case Promoting:
		e.transition(d, Complete, now)
		d.HealthyReplicas = d.TotalReplicas
	}

	return *d, nil
}

// RequestRollback transitions a deployment to RollingBack on operator
// request, regardless of the current health assessment.
func (e *Engine) RequestRollback(deploymentID ids.ID, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployments[deploymentID]
	if !ok {
		return ids.NewError(ids.NotFound, "deployment not found", nil)
	}
	if d.State.terminal() {
		return ids.NewError(ids.NotUsable, "deployment already in a terminal state", nil)
	}
	e.transition(d, RollingBack, now)
	return nil
}

// Recover completes a RollingBack deployment without failure, per the
// "RollingBack -> Complete (recovered)" transition.
func (e *Engine) Recover(deploymentID ids.ID, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployments[deploymentID]
	if !ok {
		return ids.NewError(ids.NotFound, "deployment not found", nil)
	}
	if d.State != RollingBack {
		return ids.NewError(ids.NotUsable, "deployment is not rolling back", nil)
	}
	e.transition(d, Complete, now)
	return nil
}

// FailRollback lands a RollingBack deployment in Failed.
func (e *Engine) FailRollback(deploymentID ids.ID, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployments[deploymentID]
	if !ok {
		return ids.NewError(ids.NotFound, "deployment not found", nil)
	}
	if d.State != RollingBack {
		return ids.NewError(ids.NotUsable, "deployment is not rolling back", nil)
	}
	e.transition(d, FailedState, now)
	return nil
}

func (e *Engine) transition(d *Deployment, to State, now time.Time) {
	d.State = to
	d.UpdatedAt = now
	clawmetrics.DeploymentsTotal.WithLabelValues(d.Strategy.Kind.String(), to.String()).Inc()
}
