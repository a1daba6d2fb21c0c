package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// State is what a single check observed.
type State int

const (
	StatePending State = iota
	StateDone
	StateFailed
)

// Check is the answer of one status/result lookup.
type Check struct {
	State   State
	Payload json.RawMessage
	Reason  string
}

func Pending() Check                     { return Check{State: StatePending} }
func Done(payload json.RawMessage) Check { return Check{State: StateDone, Payload: payload} }
func Failed(reason string) Check         { return Check{State: StateFailed, Reason: reason} }

// CheckFunc asks the back-end once. A returned error is a transport
// problem and is retried like a pending answer.
type CheckFunc func(ctx context.Context, attempt int) (Check, error)

// Kind classifies how a poll ended.
type Kind string

const (
	OutcomeDone     Kind = "done"
	OutcomeFailed   Kind = "failed"
	OutcomeTimeout  Kind = "timeout"
	OutcomeCanceled Kind = "canceled"
)

// Outcome is the terminal result of Poll. Poll never returns an error; the
// caller branches on Kind.
type Outcome struct {
	Kind            Kind
	Payload         json.RawMessage
	Reason          string
	Attempts        int
	TransportErrors int
	LastError       error
	Elapsed         time.Duration
}

// Err returns a non-nil error for failed and canceled outcomes.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeFailed:
		return &ProviderError{Reason: o.Reason}
	case OutcomeCanceled:
		return o.LastError
	}
	return nil
}

// ProviderError is a failure declared by the back-end itself.
type ProviderError struct {
	Reason string
}

func (e *ProviderError) Error() string {
	return "provider reported failure: " + e.Reason
}

// Poller runs CheckFuncs under a Policy.
type Poller struct {
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Poller)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{logger: logger, sleep: sleepCtx}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Poll calls check up to policy.MaxAttempts times.
func (p *Poller) Poll(ctx context.Context, policy Policy, check CheckFunc) Outcome {
	start := time.Now()
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	out := Outcome{}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Kind, out.LastError = OutcomeCanceled, err
			break
		}
		out.Attempts = attempt

		res, err := check(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				out.Kind, out.LastError = OutcomeCanceled, ctx.Err()
				break
			}
			out.TransportErrors++
			out.LastError = err
			p.logger.Warn("poller.check.error", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			res = Pending()
		}

		switch res.State {
		case StateDone:
			out.Kind, out.Payload = OutcomeDone, res.Payload
			out.Elapsed = time.Since(start)
			return out
		case StateFailed:
			out.Kind, out.Reason = OutcomeFailed, res.Reason
			out.Elapsed = time.Since(start)
			return out
		}

		if attempt == maxAttempts {
			out.Kind = OutcomeTimeout
			break
		}
		delay := policy.Delay(attempt)
		p.logger.Debug("poller.pending", "attempt", attempt, "next_delay_ms", delay.Milliseconds())
		if err := p.sleep(ctx, delay); err != nil {
			out.Kind, out.LastError = OutcomeCanceled, err
			break
		}
	}

	out.Elapsed = time.Since(start)
	if out.Kind == OutcomeTimeout {
		p.logger.Warn("poller.exhausted",
			"attempts", out.Attempts,
			"transport_errors", out.TransportErrors,
			"elapsed_ms", out.Elapsed.Milliseconds(),
		)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
