package poller

import "time"

// Policy bounds a polling loop: how many times to check and how long to wait
// between checks. Delays hold at BaseDelay for the first RampAfter attempts,
// then grow by Step per attempt, never exceeding MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	RampAfter   int
	Step        time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is 3s for the first four attempts, +1s per attempt after
// that, capped at 10s, over 60 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 60,
		BaseDelay:   3 * time.Second,
		RampAfter:   4,
		Step:        time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Once is a single attempt with no waiting, for protocols that answer
// synchronously.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Delay returns the wait after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if attempt > p.RampAfter {
		d += time.Duration(attempt-p.RampAfter) * p.Step
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Budget is the total time spent sleeping if every attempt stays pending.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for a := 1; a < p.MaxAttempts; a++ {
		total += p.Delay(a)
	}
	return total
}

// Merge overlays the non-zero fields of o on p.
func (p Policy) Merge(o Policy) Policy {
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		p.BaseDelay = o.BaseDelay
	}
	if o.RampAfter > 0 {
		p.RampAfter = o.RampAfter
	}
	if o.Step > 0 {
		p.Step = o.Step
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	return p
}
