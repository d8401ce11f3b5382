// Package autoscaler implements the per-pool utilisation evaluator:
// given a pool snapshot and a metrics snapshot, emit a clamped,
// cooldown-respecting, confidence-scored scaling recommendation
// (component G).
package autoscaler

import (
	"math"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
)

// Direction is the recommended scaling direction.
type Direction int

const (
	None Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "none"
	}
}

// Policy is a node pool's autoscaling policy.
type Policy struct {
	MinNodes            int
	MaxNodes            int
	TargetUtilisationPct float64
	TolerancePct         float64
	ScaleUpCooldown      time.Duration
	ScaleDownCooldown    time.Duration
	MaxScaleStep         int
}

// PoolSnapshot is the evaluator's view of one node pool at evaluation
// time.
type PoolSnapshot struct {
	PoolID       ids.ID
	Policy       Policy
	CurrentNodes int
	LastScaleUp  time.Time
	LastScaleDown time.Time
	QueueDepth   int
}

// MetricsSnapshot is the pool's current utilisation sample.
type MetricsSnapshot struct {
	GPUUtilisationAvg  float64
	GPUUtilisationPeak float64
	QueueDepth         int
	PendingJobs        int
}

// Config bounds every evaluation regardless of per-pool policy.
type Config struct {
	MinConfidence          float64
	IgnoreDisabledPolicies bool
	MaxScaleDelta          int
}

// Recommendation is the evaluator's output for one pool.
type Recommendation struct {
	Direction    Direction
	CurrentNodes int
	TargetNodes  int
	Confidence   float64
	Reason       string
}

// Evaluate implements the algorithm of component G: scale-to-min on an
// empty pool, hysteresis band around target±tolerance with cooldowns,
// clamped scale step, confidence gating, and the queue-depth
// anti-starvation tie-break.
func Evaluate(cfg Config, pool PoolSnapshot, metrics MetricsSnapshot, now time.Time) Recommendation {
	timer := clawmetrics.NewTimer()
	defer timer.ObserveDuration(clawmetrics.AutoscalerEvaluationDuration)

	rec := evaluate(cfg, pool, metrics, now)
	clawmetrics.AutoscalerEvaluationsTotal.WithLabelValues(rec.Direction.String()).Inc()
	return rec
}

func evaluate(cfg Config, pool PoolSnapshot, metrics MetricsSnapshot, now time.Time) Recommendation {
	if pool.CurrentNodes == 0 && pool.Policy.MinNodes > 0 {
		return Recommendation{
			Direction:    Up,
			CurrentNodes: 0,
			TargetNodes:  pool.Policy.MinNodes,
			Confidence:   1.0,
			Reason:       "pool is empty and policy requires a minimum node count",
		}
	}

	u := metrics.GPUUtilisationAvg
	target := pool.Policy.TargetUtilisationPct
	tolerance := pool.Policy.TolerancePct
	hi := target + tolerance
	lo := target - tolerance

	maxStep := pool.Policy.MaxScaleStep
	if cfg.MaxScaleDelta < maxStep {
		maxStep = cfg.MaxScaleDelta
	}

	var rec Recommendation

	switch {
	case u > hi && now.Sub(pool.LastScaleUp) >= pool.Policy.ScaleUpCooldown:
		desired := int(math.Ceil(float64(pool.CurrentNodes) * u / target))
		capped := pool.CurrentNodes + maxStep
		if desired > capped {
			desired = capped
		}
		if desired > pool.Policy.MaxNodes {
			desired = pool.Policy.MaxNodes
		}
		confidence := math.Min(1, (u-hi)/math.Max(1, hi))
		rec = Recommendation{
			Direction:    Up,
			CurrentNodes: pool.CurrentNodes,
			TargetNodes:  desired,
			Confidence:   confidence,
			Reason:       "utilisation above target+tolerance",
		}

	case u < lo && now.Sub(pool.LastScaleDown) >= pool.Policy.ScaleDownCooldown:
		desired := int(math.Floor(float64(pool.CurrentNodes) * u / target))
		floored := pool.CurrentNodes - maxStep
		if desired < floored {
			desired = floored
		}
		if desired < pool.Policy.MinNodes {
			desired = pool.Policy.MinNodes
		}
		confidence := math.Min(1, (lo-u)/math.Max(1, lo))
		rec = Recommendation{
			Direction:    Down,
			CurrentNodes: pool.CurrentNodes,
			TargetNodes:  desired,
			Confidence:   confidence,
			Reason:       "utilisation below target-tolerance",
		}

	default:
		if metrics.QueueDepth > 0 && pool.CurrentNodes == pool.Policy.MinNodes &&
			now.Sub(pool.LastScaleUp) >= pool.Policy.ScaleUpCooldown {
			rec = Recommendation{
				Direction:    Up,
				CurrentNodes: pool.CurrentNodes,
				TargetNodes:  pool.CurrentNodes + 1,
				Confidence:   1.0,
				Reason:       "queue depth positive at minimum pool size, preventing starvation",
			}
		} else {
			rec = Recommendation{
				Direction:    None,
				CurrentNodes: pool.CurrentNodes,
				TargetNodes:  pool.CurrentNodes,
				Confidence:   1.0,
				Reason:       "utilisation within target band",
			}
		}
	}

	if rec.Confidence < cfg.MinConfidence {
		rec.Direction = None
		rec.TargetNodes = pool.CurrentNodes
		rec.Reason = "confidence below minimum, forcing None"
	}

	return rec
}
