package signal

import "golang.org/x/time/rate"

// offenseLimiter throttles one connection's inbound frames and counts the
// violations it commits. It is owned by the read pump and not safe for
// concurrent use.
type offenseLimiter struct {
	limiter  *rate.Limiter
	offenses int
	max      int
}

func newOffenseLimiter(limit rate.Limit, burst, maxOffenses int) *offenseLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	return &offenseLimiter{limiter: rate.NewLimiter(limit, max(burst, 1)), max: maxOffenses}
}

func (l *offenseLimiter) Allow() bool { return l.limiter.Allow() }

// Offend records a violation and reports whether the connection has run out
// of budget.
func (l *offenseLimiter) Offend() bool {
	l.offenses++
	return l.max > 0 && l.offenses >= l.max
}

func (l *offenseLimiter) Offenses() int { return l.offenses }
