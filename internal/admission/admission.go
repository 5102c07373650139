// Package admission decides whether an outbound action may proceed now. A
// Controller combines per-endpoint circuit breakers with one active rate
// strategy and, optionally, a shared counter backend.
package admission

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
)

// Strategy selects the rate algorithm.
type Strategy string

const (
	TokenBucket   Strategy = "token_bucket"
	SlidingWindow Strategy = "sliding_window"
	FixedWindow   Strategy = "fixed_window"
	Adaptive      Strategy = "adaptive"
)

const (
	logCapacity      = 1000
	endpointCapacity = 1000
	adaptiveSample   = 100
	adaptiveMinimum  = 10
)

// Config holds the limits a Controller enforces.
type Config struct {
	Strategy         Strategy
	MaxTokens        float64 // bucket capacity
	RefillRate       float64 // tokens per second
	PerMinute        int
	PerHour          int
	PerDay           int
	Cooldown         time.Duration // pacing hint when the minute window is nearly full
	BreakerEnabled   bool
	BreakerThreshold int
	BreakerTimeout   time.Duration
	TrialEvery       int // admit 1 in TrialEvery calls while half-open
}

// FromConfig maps the rate_limiting section onto a Config.
func FromConfig(rl config.RateLimitingConfig) Config {
	return Config{
		Strategy:         Strategy(rl.Strategy),
		MaxTokens:        float64(rl.BurstSize),
		RefillRate:       rl.RequestsPerSecond,
		PerMinute:        rl.RequestsPerMinute,
		PerHour:          rl.MessagesPerHour,
		PerDay:           rl.MessagesPerDay,
		Cooldown:         time.Duration(rl.CooldownSec) * time.Second,
		BreakerEnabled:   rl.CircuitBreaker.IsEnabled(),
		BreakerThreshold: rl.CircuitBreaker.Threshold,
		BreakerTimeout:   time.Duration(rl.CircuitBreaker.TimeoutSec) * time.Second,
		TrialEvery:       rl.CircuitBreaker.TrialEvery,
	}
}

// Stats are the lifetime counters of a Controller.
type Stats struct {
	Total        int64 `json:"total"`
	Allowed      int64 `json:"allowed"`
	Rejected     int64 `json:"rejected"`
	BreakerTrips int64 `json:"breaker_trips"`
}

// Capacity reports what is left in each window.
type Capacity struct {
	Tokens int `json:"tokens"`
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// Snapshot is a point-in-time view for dashboards.
type Snapshot struct {
	Strategy  Strategy                   `json:"strategy"`
	Tokens    float64                    `json:"tokens"`
	MaxTokens float64                    `json:"max_tokens"`
	Halted    bool                       `json:"halted"`
	Breakers  map[string]BreakerSnapshot `json:"circuit_breakers"`
	Remaining Capacity                   `json:"remaining_capacity"`
	Stats     Stats                      `json:"stats"`
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Config  Config
	Backend Backend          // optional shared counter
	Metrics *metrics.Metrics // optional
	Log     logr.Logger
	Now     func() time.Time // defaults to time.Now
	Rand    func() float64   // defaults to math/rand/v2; used by the adaptive strategy
}

// Controller is safe for concurrent use. TryAcquire never blocks on local
// state; only the optional backend round trip can wait.
type Controller struct {
	backend Backend
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
	rand    func() float64

	mu         sync.Mutex
	cfg        Config
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	halted     bool
	recent     *timeLog
	endpoints  map[string]*timeLog
	breakers   map[string]*breaker
	outcomes   *outcomeRing
	reserved   int // local admits awaiting the backend
	stats      Stats
}

// New creates a Controller with a full bucket.
func New(opts Opts) (*Controller, error) {
	if err := opts.Config.validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	cfg := opts.Config
	c := &Controller{
		backend:    opts.Backend,
		metrics:    opts.Metrics,
		log:        log.WithName("admission"),
		now:        now,
		rand:       rnd,
		cfg:        cfg,
		tokens:     cfg.MaxTokens,
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		lastRefill: now(),
		recent:     newTimeLog(logCapacity),
		endpoints:  make(map[string]*timeLog),
		breakers:   make(map[string]*breaker),
		outcomes:   newOutcomeRing(adaptiveSample),
	}
	return c, nil
}

func (cfg Config) validate() error {
	switch cfg.Strategy {
	case TokenBucket, SlidingWindow, FixedWindow, Adaptive:
	default:
		return fmt.Errorf("admission: unknown strategy %q", cfg.Strategy)
	}
	if cfg.MaxTokens < 0 || cfg.RefillRate < 0 {
		return fmt.Errorf("admission: bucket parameters must not be negative")
	}
	if cfg.BreakerEnabled && cfg.BreakerThreshold <= 0 {
		return fmt.Errorf("admission: breaker threshold must be positive")
	}
	return nil
}

// TryAcquire reports whether an action on endpoint may proceed now.
func (c *Controller) TryAcquire(ctx context.Context, endpoint string) bool {
	now := c.now()

	c.mu.Lock()
	v := c.decideLocked(endpoint, now)
	if v.ok {
		if c.backend == nil {
			c.commitLocked(endpoint, now, v.trial)
		} else {
			c.reserved++
		}
	}
	tokens := c.tokens
	c.mu.Unlock()

	c.metrics.SetTokens(tokens)

	allowed := v.ok
	if allowed && c.backend != nil {
		allowed = c.checkBackend(ctx, endpoint, now, v)
	}
	c.metrics.RecordAdmission(endpoint, allowed)
	return allowed
}

// verdict is the local decision for one call. token is set when the call
// took a bucket token.
type verdict struct {
	ok    bool
	trial bool
	token bool
}

// decideLocked runs the breaker gate and the active strategy. A local admit
// is not recorded until commitLocked. c.mu must be held.
func (c *Controller) decideLocked(endpoint string, now time.Time) verdict {
	c.stats.Total++

	if c.halted {
		c.rejectLocked(endpoint, now, false)
		return verdict{}
	}

	c.refillLocked(now)
	c.recent.pruneBefore(now.Add(-24 * time.Hour))

	var v verdict
	if c.cfg.BreakerEnabled {
		b := c.breakerLocked(endpoint)
		pass, isTrial := b.gate(now, c.cfg.BreakerTimeout, c.cfg.TrialEvery)
		if !pass {
			c.rejectLocked(endpoint, now, false)
			return verdict{}
		}
		v.trial = isTrial
		if v.trial {
			c.log.V(logging.DEBUG).Info("half-open trial", "endpoint", endpoint)
		}
	}

	switch c.cfg.Strategy {
	case SlidingWindow:
		v.ok = c.slidingLocked(now)
	case FixedWindow:
		v.ok = c.fixedLocked(now)
	case Adaptive:
		v.ok = c.adaptiveLocked(now)
	default:
		v.ok = c.tokenBucketLocked()
		v.token = v.ok
	}

	if !v.ok {
		c.rejectLocked(endpoint, now, true)
	}
	return v
}

// commitLocked records an admit in the logs, the outcome sample, and the
// breaker. c.mu must be held.
func (c *Controller) commitLocked(endpoint string, at time.Time, trial bool) {
	c.stats.Allowed++
	c.outcomes.record(true)
	c.recent.append(at)
	c.endpointLogLocked(endpoint).append(at)
	if b, ok := c.breakers[endpoint]; ok {
		if trial {
			c.log.Info("circuit breaker closed", "endpoint", endpoint)
		}
		b.recordSuccess(at)
	}
}

// rejectLocked counts a rejection and, when failure is set, feeds the breaker.
func (c *Controller) rejectLocked(endpoint string, now time.Time, failure bool) {
	c.stats.Rejected++
	c.outcomes.record(false)
	if failure {
		c.failureLocked(endpoint, now)
	}
}

func (c *Controller) failureLocked(endpoint string, now time.Time) {
	b := c.breakerLocked(endpoint)
	if !c.cfg.BreakerEnabled {
		b.failures++
		b.lastFailure = now
		return
	}
	if b.recordFailure(now, c.cfg.BreakerThreshold) {
		c.stats.BreakerTrips++
		c.metrics.RecordBreakerTrip(endpoint)
		c.log.Info("circuit breaker tripped", "endpoint", endpoint, "failures", b.failures)
	}
}

func (c *Controller) breakerLocked(endpoint string) *breaker {
	b, ok := c.breakers[endpoint]
	if !ok {
		b = &breaker{state: Closed, lastStateChange: c.now()}
		c.breakers[endpoint] = b
	}
	return b
}

func (c *Controller) endpointLogLocked(endpoint string) *timeLog {
	l, ok := c.endpoints[endpoint]
	if !ok {
		l = newTimeLog(endpointCapacity)
		c.endpoints[endpoint] = l
	}
	return l
}

func (c *Controller) refillLocked(now time.Time) {
	elapsed := now.Sub(c.lastRefill).Seconds()
	if elapsed > 0 {
		c.tokens = math.Min(c.maxTokens, c.tokens+elapsed*c.refillRate)
	}
	c.lastRefill = now
}

func (c *Controller) tokenBucketLocked() bool {
	if c.tokens >= 1 {
		c.tokens--
		return true
	}
	return false
}

func (c *Controller) slidingLocked(now time.Time) bool {
	if c.recent.countAfter(now.Add(-time.Hour))+c.reserved >= c.cfg.PerHour {
		return false
	}
	return c.recent.countAfter(now.Add(-time.Minute))+c.reserved < c.cfg.PerMinute
}

// fixedLocked counts from the top of the current hour. Bursts straddling the
// boundary can reach twice the hourly ceiling.
func (c *Controller) fixedLocked(now time.Time) bool {
	start := now.Truncate(time.Hour)
	return c.recent.countAfter(start.Add(-time.Nanosecond))+c.reserved < c.cfg.PerHour
}

func (c *Controller) adaptiveLocked(now time.Time) bool {
	if !c.slidingLocked(now) {
		return false
	}
	ratio, n := c.outcomes.ratio()
	if n < adaptiveMinimum {
		return true
	}
	switch {
	case ratio > 0.9:
		return true
	case ratio < 0.5:
		return c.rand() < 0.5
	default:
		return true
	}
}

// checkBackend consults the shared counter for a locally admitted call and
// settles its reservation: committed when the backend agrees, rolled back
// with the token refunded when it denies. Backend errors fail open; local
// limits remain in force.
func (c *Controller) checkBackend(ctx context.Context, endpoint string, now time.Time, v verdict) bool {
	c.mu.Lock()
	limit := c.cfg.PerHour
	c.mu.Unlock()

	window := now.Truncate(time.Hour)
	key := fmt.Sprintf("%s:%d", endpoint, window.Unix())
	n, err := c.backend.Increment(ctx, key, time.Hour)
	shared := true
	if err != nil {
		c.metrics.RecordBackendError()
		c.log.Error(err, "distributed backend unavailable, allowing", "endpoint", endpoint)
	} else if limit > 0 && n > int64(limit) {
		shared = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved--
	at := c.now()
	if shared {
		c.commitLocked(endpoint, at, v.trial)
		return true
	}
	if v.token && !c.halted {
		c.tokens = math.Min(c.maxTokens, c.tokens+1)
	}
	c.rejectLocked(endpoint, at, true)
	c.log.V(logging.DEBUG).Info("shared limit reached", "endpoint", endpoint, "count", n, "limit", limit)
	return false
}

// RecordFailure reports a downstream failure on endpoint to its breaker.
func (c *Controller) RecordFailure(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureLocked(endpoint, c.now())
}

// RecordSuccess reports a downstream success, resetting the failure count.
func (c *Controller) RecordSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[endpoint]; ok {
		b.recordSuccess(c.now())
	}
}

// ResetEndpoint closes endpoint's breaker and clears its request log.
func (c *Controller) ResetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.breakers[endpoint]; ok {
		c.breakers[endpoint] = &breaker{state: Closed, lastStateChange: c.now()}
	}
	if l, ok := c.endpoints[endpoint]; ok {
		l.reset()
	}
	c.log.Info("endpoint reset", "endpoint", endpoint)
}

// EmergencyStop rejects every call until ResumeNormal.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.halted = true
	c.tokens, c.maxTokens, c.refillRate = 0, 0, 0
	for _, b := range c.breakers {
		b.transition(Open, now)
		b.lastFailure = now
	}
	c.log.Info("emergency stop: all admissions blocked")
}

// ResumeNormal restores configured capacity and closes every breaker.
func (c *Controller) ResumeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.halted = false
	c.maxTokens = c.cfg.MaxTokens
	c.refillRate = c.cfg.RefillRate
	c.tokens = c.maxTokens
	c.lastRefill = now
	for _, b := range c.breakers {
		b.transition(Closed, now)
		b.failures = 0
	}
	c.log.Info("admission resumed")
}

// Halted reports whether EmergencyStop is in effect.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Reconfigure swaps limits in place. Counters, logs, and breakers are kept.
func (c *Controller) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked(c.now())
	c.cfg = cfg
	if !c.halted {
		c.maxTokens = cfg.MaxTokens
		c.refillRate = cfg.RefillRate
		c.tokens = math.Min(c.tokens, c.maxTokens)
	}
	return nil
}

// RemainingCapacity reports the token count and what is left of the
// minute, hour, and day allowances.
func (c *Controller) RemainingCapacity() Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityLocked(c.now())
}

func (c *Controller) capacityLocked(now time.Time) Capacity {
	c.refillLocked(now)
	return Capacity{
		Tokens: int(c.tokens),
		Minute: max(0, c.cfg.PerMinute-c.recent.countAfter(now.Add(-time.Minute))),
		Hour:   max(0, c.cfg.PerHour-c.recent.countAfter(now.Add(-time.Hour))),
		Day:    max(0, c.cfg.PerDay-c.recent.countAfter(now.Add(-24*time.Hour))),
	}
}

// SuggestedDelay returns how long a caller should wait before its next
// attempt: the time to refill one token when the bucket is empty, or the
// cooldown when the minute window is at least 80% used.
func (c *Controller) SuggestedDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.refillLocked(now)

	if c.cfg.Strategy == TokenBucket && c.tokens < 1 {
		if c.refillRate <= 0 {
			return c.cfg.Cooldown
		}
		secs := (1 - c.tokens) / c.refillRate
		return time.Duration(secs * float64(time.Second))
	}
	if c.cfg.PerMinute > 0 && float64(c.recent.countAfter(now.Add(-time.Minute))) >= 0.8*float64(c.cfg.PerMinute) {
		return c.cfg.Cooldown
	}
	return 0
}

// Stats returns the lifetime counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Snapshot returns tokens, breaker states, and remaining capacity.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	snap := Snapshot{
		Strategy:  c.cfg.Strategy,
		Halted:    c.halted,
		Breakers:  make(map[string]BreakerSnapshot, len(c.breakers)),
		Remaining: c.capacityLocked(now),
		Stats:     c.stats,
	}
	snap.Tokens = c.tokens
	snap.MaxTokens = c.maxTokens
	for ep, b := range c.breakers {
		snap.Breakers[ep] = BreakerSnapshot{
			State:           b.state,
			Failures:        b.failures,
			LastFailure:     b.lastFailure,
			LastStateChange: b.lastStateChange,
		}
	}
	return snap
}

// EndpointCount returns the number of admissions logged for endpoint within
// the last window.
func (c *Controller) EndpointCount(endpoint string, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.endpoints[endpoint]
	if !ok {
		return 0
	}
	return l.countAfter(c.now().Add(-window))
}
