package admission

import "time"

// timeLog is a fixed-capacity ring of timestamps in insertion order.
// Appending to a full log evicts the oldest entry.
type timeLog struct {
	buf   []time.Time
	start int
	n     int
}

func newTimeLog(capacity int) *timeLog {
	return &timeLog{buf: make([]time.Time, capacity)}
}

func (l *timeLog) append(t time.Time) {
	if len(l.buf) == 0 {
		return
	}
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = t
		l.n++
		return
	}
	l.buf[l.start] = t
	l.start = (l.start + 1) % len(l.buf)
}

func (l *timeLog) at(i int) time.Time {
	return l.buf[(l.start+i)%len(l.buf)]
}

// pruneBefore drops entries older than cutoff.
func (l *timeLog) pruneBefore(cutoff time.Time) {
	for l.n > 0 && l.at(0).Before(cutoff) {
		l.start = (l.start + 1) % len(l.buf)
		l.n--
	}
}

// countAfter returns the number of entries strictly after t.
func (l *timeLog) countAfter(t time.Time) int {
	c := 0
	for i := l.n - 1; i >= 0; i-- {
		if !l.at(i).After(t) {
			break
		}
		c++
	}
	return c
}

func (l *timeLog) len() int { return l.n }

func (l *timeLog) reset() {
	l.start, l.n = 0, 0
}

// outcomeRing holds the most recent admission outcomes for the adaptive strategy.
type outcomeRing struct {
	buf     []bool
	next    int
	n       int
	allowed int
}

func newOutcomeRing(capacity int) *outcomeRing {
	return &outcomeRing{buf: make([]bool, capacity)}
}

func (r *outcomeRing) record(allowed bool) {
	if r.n == len(r.buf) {
		if r.buf[r.next] {
			r.allowed--
		}
	} else {
		r.n++
	}
	r.buf[r.next] = allowed
	if allowed {
		r.allowed++
	}
	r.next = (r.next + 1) % len(r.buf)
}

// ratio returns allowed/total over the sample and the sample size.
func (r *outcomeRing) ratio() (float64, int) {
	if r.n == 0 {
		return 0, 0
	}
	return float64(r.allowed) / float64(r.n), r.n
}
