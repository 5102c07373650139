package admission

import "time"

// BreakerState is the state of one endpoint's circuit breaker.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"
)

// breaker tracks failures for one endpoint. Guarded by Controller.mu.
type breaker struct {
	state           BreakerState
	failures        int
	lastFailure     time.Time
	lastStateChange time.Time
	trialCalls      int
}

func (b *breaker) transition(to BreakerState, now time.Time) {
	if b.state == to {
		return
	}
	b.state = to
	b.lastStateChange = now
	b.trialCalls = 0
}

// gate decides whether a call may proceed to the rate check. trial is true
// when the call is admitted as half-open trial traffic.
func (b *breaker) gate(now time.Time, timeout time.Duration, trialEvery int) (pass, trial bool) {
	if b.state == Open {
		if now.Sub(b.lastFailure) < timeout {
			return false, false
		}
		b.transition(HalfOpen, now)
	}
	if b.state == HalfOpen {
		b.trialCalls++
		if trialEvery <= 1 || (b.trialCalls-1)%trialEvery == 0 {
			return true, true
		}
		return false, false
	}
	return true, false
}

// recordFailure counts a failure. It reports whether the breaker tripped open.
func (b *breaker) recordFailure(now time.Time, threshold int) bool {
	b.failures++
	b.lastFailure = now
	if b.state == Open {
		return false
	}
	if b.state == HalfOpen || b.failures >= threshold {
		b.transition(Open, now)
		return true
	}
	return false
}

func (b *breaker) recordSuccess(now time.Time) {
	b.failures = 0
	if b.state == HalfOpen {
		b.transition(Closed, now)
	}
}

// BreakerSnapshot is the observable state of one breaker.
type BreakerSnapshot struct {
	State           BreakerState `json:"state"`
	Failures        int          `json:"failures"`
	LastFailure     time.Time    `json:"last_failure,omitempty"`
	LastStateChange time.Time    `json:"last_state_change,omitempty"`
}
