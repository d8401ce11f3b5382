// Package ddos implements the layered DDoS protection pipeline:
// whitelist, blocklist, geo policy, reputation escalation, and
// connection/request/budget limits, with a periodic cleanup sweep
// (component E).
package ddos

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// GeoClassifier maps an IP to a region code. The geo database itself
// is an external collaborator; the pipeline only requires this narrow
// interface.
type GeoClassifier interface {
	Classify(ip string) (regionCode string, err error)
}

// Config bounds the pipeline's limits and escalation thresholds.
type Config struct {
	MaxMessagesPerSecond int
	SlidingWindow        time.Duration
	ConnectionLimit      int
	ViolationsBeforeBan  int
	BanDuration          time.Duration
	PermanentBanAfter    int
	ReputationThreshold  int
	SlowLorisThreshold   time.Duration
	BlockedRegions       map[string]bool
}

// DefaultConfig returns sane limits matching the end-to-end scenario
// fixtures: 5 messages/second, a ban after 2 violations, 60s bans.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerSecond: 5,
		SlidingWindow:        time.Second,
		ConnectionLimit:      20,
		ViolationsBeforeBan:  2,
		BanDuration:          60 * time.Second,
		PermanentBanAfter:    3,
		ReputationThreshold:  -50,
		SlowLorisThreshold:   10 * time.Second,
	}
}

// Outcome is the decision returned by a pipeline check.
type Outcome struct {
	Kind          OutcomeKind
	Reason        string
	ExpiresAtUnix int64
	RetryAfterMs  int64
}

// OutcomeKind names the decision a check returned.
type OutcomeKind int

const (
	Allow OutcomeKind = iota
	Block
	RateLimit
)

func (k OutcomeKind) String() string {
	switch k {
	case Block:
		return "block"
	case RateLimit:
		return "rate_limit"
	default:
		return "allow"
	}
}

// Pipeline composes the rate/budget primitives into the ordered
// connection/request/consumption checks component E specifies.
type Pipeline struct {
	logger zerolog.Logger
	cfg    Config

	whitelist map[string]bool
	geo       GeoClassifier

	blocklist  *ratelimit.Blocklist
	reputation *ratelimit.Reputation
	watchdog   *ratelimit.HandshakeWatchdog

	// mu guards connCounts, windows, bandwidth, compute, and
	// violationCounts below; every other field here is either
	// immutable after New or separately mutex-guarded.
	mu              sync.Mutex
	connCounts      map[string]int
	windows         map[string]*ratelimit.SlidingWindow
	bandwidth       map[string]*ratelimit.PeriodBudget
	compute         map[string]*ratelimit.PeriodBudget
	violationCounts map[string]int

	stopCh chan struct{}
}

// New constructs a Pipeline. Whitelist entries always Allow and bypass
// every other check.
func New(cfg Config, whitelist []string, geo GeoClassifier) *Pipeline {
	wl := make(map[string]bool, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = true
	}
	return &Pipeline{
		logger:          clawlog.WithComponent("ddos"),
		cfg:             cfg,
		whitelist:       wl,
		geo:             geo,
		blocklist:       ratelimit.NewBlocklist(),
		reputation:      ratelimit.NewReputation(cfg.ReputationThreshold),
		watchdog:        ratelimit.NewHandshakeWatchdog(cfg.SlowLorisThreshold),
		connCounts:      make(map[string]int),
		windows:         make(map[string]*ratelimit.SlidingWindow),
		bandwidth:       make(map[string]*ratelimit.PeriodBudget),
		compute:         make(map[string]*ratelimit.PeriodBudget),
		violationCounts: make(map[string]int),
		stopCh:          make(chan struct{}),
	}
}

// CheckConnection runs the ordered connection-admission check: first
// matching decision wins.
func (p *Pipeline) CheckConnection(ip string, now time.Time) Outcome {
	if p.whitelist[ip] {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("whitelist", "allow").Inc()
		return Outcome{Kind: Allow}
	}

	if entry, blocked := p.blocklist.IsBlocked(ip, now); blocked {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("blocklist", "block").Inc()
		return Outcome{Kind: Block, Reason: entry.Reason, ExpiresAtUnix: unixOrZero(entry.ExpiresAt)}
	}

	if p.geo != nil && len(p.cfg.BlockedRegions) > 0 {
		if region, err := p.geo.Classify(ip); err == nil && p.cfg.BlockedRegions[region] {
			clawmetrics.DDoSDecisionsTotal.WithLabelValues("geo", "block").Inc()
			return Outcome{Kind: Block, Reason: "geo policy: " + region}
		}
	}

	if !p.reputation.HasGoodReputation(ip) {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("reputation", "block").Inc()
		return p.escalate(ip, now, "reputation below threshold")
	}

	p.mu.Lock()
	p.connCounts[ip]++
	over := p.connCounts[ip] > p.cfg.ConnectionLimit
	p.mu.Unlock()
	if over {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("connection_limit", "rate_limit").Inc()
		p.recordViolationMaybeEscalate(ip, now, ratelimit.ViolationConnLimit)
		return Outcome{Kind: RateLimit, RetryAfterMs: 1000}
	}

	clawmetrics.DDoSDecisionsTotal.WithLabelValues("connection_limit", "allow").Inc()
	return Outcome{Kind: Allow}
}

// ReleaseConnection decrements ip's open-connection count.
func (p *Pipeline) ReleaseConnection(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connCounts[ip] > 0 {
		p.connCounts[ip]--
	}
}

// CheckRequest runs the sliding-window rate check for a post-connect
// request.
func (p *Pipeline) CheckRequest(ip string, now time.Time) Outcome {
	p.mu.Lock()
	window, ok := p.windows[ip]
	if !ok {
		window = ratelimit.NewSlidingWindow(p.cfg.MaxMessagesPerSecond, p.cfg.SlidingWindow)
		p.windows[ip] = window
	}
	p.mu.Unlock()

	decision := window.TryAdmit(now)
	if decision.Allowed {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("sliding_window", "allow").Inc()
		return Outcome{Kind: Allow}
	}

	clawmetrics.DDoSDecisionsTotal.WithLabelValues("sliding_window", "rate_limit").Inc()
	p.recordViolationMaybeEscalate(ip, now, ratelimit.ViolationRateLimit)
	return Outcome{Kind: RateLimit, RetryAfterMs: decision.RetryAfter.Milliseconds()}
}

// CheckBandwidth runs the period-budget check for bandwidth bytes.
func (p *Pipeline) CheckBandwidth(ip string, now time.Time, bytes int64, budgetPerPeriod int64, period time.Duration) Outcome {
	return p.checkBudget(p.bandwidth, ip, now, bytes, budgetPerPeriod, period)
}

// CheckCompute runs the period-budget check for compute-cost units.
func (p *Pipeline) CheckCompute(ip string, now time.Time, units int64, budgetPerPeriod int64, period time.Duration) Outcome {
	return p.checkBudget(p.compute, ip, now, units, budgetPerPeriod, period)
}

func (p *Pipeline) checkBudget(table map[string]*ratelimit.PeriodBudget, ip string, now time.Time, amount, budgetPerPeriod int64, period time.Duration) Outcome {
	p.mu.Lock()
	budget, ok := table[ip]
	if !ok {
		budget = ratelimit.NewPeriodBudget(budgetPerPeriod, period)
		table[ip] = budget
	}
	p.mu.Unlock()

	decision := budget.TryConsume(now, amount)
	if decision.Allowed {
		clawmetrics.DDoSDecisionsTotal.WithLabelValues("budget", "allow").Inc()
		return Outcome{Kind: Allow}
	}
	clawmetrics.DDoSDecisionsTotal.WithLabelValues("budget", "rate_limit").Inc()
	p.recordViolationMaybeEscalate(ip, now, ratelimit.ViolationBudgetExceeded)
	return Outcome{Kind: RateLimit}
}

// recordViolationMaybeEscalate charges ip's reputation for kind and,
// once violationsBeforeBan is reached, escalates to a temporary or
// permanent ban.
func (p *Pipeline) recordViolationMaybeEscalate(ip string, now time.Time, kind ratelimit.ViolationKind) {
	p.reputation.RecordViolation(ip, kind, now)

	p.mu.Lock()
	p.violationCounts[ip]++
	shouldEscalate := p.violationCounts[ip] >= p.cfg.ViolationsBeforeBan
	if shouldEscalate {
		p.violationCounts[ip] = 0
	}
	p.mu.Unlock()

	if shouldEscalate {
		p.escalate(ip, now, string(kind))
	}
}

// escalate applies the escalation rule: if ip's temp-ban count has
// reached the permanent-ban threshold, add a permanent blocklist
// entry; else add a temporary entry and increment the counter.
func (p *Pipeline) escalate(ip string, now time.Time, reason string) Outcome {
	if p.reputation.TempBanCount(ip) >= p.cfg.PermanentBanAfter {
		p.blocklist.Block(ip, reason, time.Time{})
		clawmetrics.DDoSBansActive.WithLabelValues("permanent").Set(float64(p.blocklist.Len()))
		return Outcome{Kind: Block, Reason: reason}
	}

	expiresAt := now.Add(p.cfg.BanDuration)
	p.blocklist.Block(ip, reason, expiresAt)
	p.reputation.RecordTempBan(ip, now)
	clawmetrics.DDoSBansActive.WithLabelValues("temporary").Set(float64(p.blocklist.Len()))
	return Outcome{Kind: Block, Reason: reason, ExpiresAtUnix: unixOrZero(expiresAt)}
}

// BeginHandshake records that ip started a connection handshake.
func (p *Pipeline) BeginHandshake(ip string, now time.Time) {
	p.watchdog.Begin(ip, now)
}

// CompleteHandshake marks ip's handshake as finished.
func (p *Pipeline) CompleteHandshake(ip string) {
	p.watchdog.Complete(ip)
}

// Start begins the periodic cleanup sweep, following the scheduler's
// ticker-driven loop idiom.
func (p *Pipeline) Start(interval time.Duration) {
	go p.run(interval)
}

// Stop halts the cleanup sweep.
func (p *Pipeline) Stop() {
	close(p.stopCh)
}

func (p *Pipeline) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) cleanup() {
	now := time.Now()
	removed := p.blocklist.Cleanup(now)
	if removed > 0 {
		p.logger.Info().Int("removed", removed).Msg("cleaned up expired blocklist entries")
	}

	timedOut := p.watchdog.CleanupTimedOut(now)
	for _, ip := range timedOut {
		p.reputation.RecordViolation(ip, ratelimit.ViolationMalformed, now)
		p.logger.Warn().Str("ip", ip).Msg("handshake timed out, charged malformed-request violation")
	}

	p.reputation.CleanupStale(now, 24*time.Hour)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
