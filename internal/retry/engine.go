package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// AttemptHook observes every recorded attempt. It must not block.
type AttemptHook func(policy string, rec scrape.AttemptRecord)

// Options customizes an Engine. Zero values select production behavior.
type Options struct {
	Clock  scrape.Clock
	Sleep  SleepFunc
	Rand   func() float64
	OnTry  AttemptHook
	Logger *zap.Logger
}

// Outcome is the successful result of a retry loop.
type Outcome struct {
	Payload  scrape.Payload
	Attempts []scrape.AttemptRecord
}

// Engine runs fetch attempts under a retry policy. An Engine is safe for
// concurrent use; the only shared state is the per-policy outcome window.
type Engine struct {
	clock   scrape.Clock
	sleep   SleepFunc
	rand    func() float64
	onTry   AttemptHook
	logger  *zap.Logger
	windows windows
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		clock:  opts.Clock,
		sleep:  opts.Sleep,
		rand:   opts.Rand,
		onTry:  opts.OnTry,
		logger: opts.Logger,
	}
	if e.clock == nil {
		e.clock = wallClock{}
	}
	if e.sleep == nil {
		e.sleep = TimerSleep
	}
	if e.rand == nil {
		e.rand = rand.Float64
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// TimerSleep parks the goroutine on a timer until d elapses or ctx is done.
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SuccessRate reports the recent success ratio recorded for a policy.
func (e *Engine) SuccessRate(p *Policy) (float64, bool) {
	return e.windows.get(p).rate()
}

// Attempt calls fetch until it succeeds, the policy is exhausted, a
// permanent failure is seen, or ctx is canceled. Failures are returned as
// *scrape.ExhaustedError carrying every attempt made.
func (e *Engine) Attempt(ctx context.Context, job scrape.Job, p *Policy, fetch scrape.Fetcher) (Outcome, error) {
	return e.AttemptRound(ctx, job, p, fetch, 1)
}

// AttemptRound is Attempt with attempt records tagged for a content round.
func (e *Engine) AttemptRound(
	ctx context.Context,
	job scrape.Job,
	p *Policy,
	fetch scrape.Fetcher,
	round int,
) (Outcome, error) {
	if p == nil {
		return Outcome{}, errors.New("retry policy is nil")
	}
	win := e.windows.get(p)
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("policy", p.Name))
	attempts := make([]scrape.AttemptRecord, 0, p.MaxAttempts)

	exhausted := func(cat scrape.FailureCategory, last error) error {
		return &scrape.ExhaustedError{Attempts: attempts, Category: cat, Last: last}
	}

	for n := 1; n <= p.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempts}, exhausted(scrape.FailureCanceled, err)
		}

		started := e.clock.Now()
		payload, err := fetch.Fetch(ctx, scrape.FetchRequest{
			JobID:      job.ID,
			Target:     job.Target,
			Parameters: job.Parameters,
			Attempt:    n,
		})
		rec := scrape.AttemptRecord{
			Index:     n,
			Round:     round,
			StartedAt: started,
			Duration:  e.clock.Now().Sub(started),
		}

		if err == nil {
			rec.Outcome = scrape.OutcomeSuccess
			attempts = append(attempts, rec)
			win.record(true)
			e.observe(p, rec)
			if payload.RetrievedAt.IsZero() {
				payload.RetrievedAt = started.Add(rec.Duration)
			}
			return Outcome{Payload: payload, Attempts: attempts}, nil
		}

		cat, hint := scrape.ClassifyError(err)
		if cat == scrape.FailureCanceled || ctx.Err() != nil {
			rec.Outcome = scrape.OutcomeFailure
			rec.Category = scrape.FailureCanceled
			rec.Error = err.Error()
			attempts = append(attempts, rec)
			e.observe(p, rec)
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return Outcome{Attempts: attempts}, exhausted(scrape.FailureCanceled, err)
		}

		rec.Outcome = scrape.OutcomeFailure
		if cat == scrape.FailureTimeout {
			rec.Outcome = scrape.OutcomeTimeout
		}
		rec.Category = cat
		rec.Error = err.Error()
		win.record(false)

		if cat == scrape.FailurePermanent || n == p.MaxAttempts {
			attempts = append(attempts, rec)
			e.observe(p, rec)
			logger.Debug("retry loop stopped",
				zap.Int("attempt", n),
				zap.String("category", string(cat)),
				zap.Error(err),
			)
			return Outcome{Attempts: attempts}, exhausted(cat, err)
		}

		rate, hasRate := win.rate()
		wait := applyJitter(Delay(p, n, rate, hasRate), p.Jitter, e.rand)
		if cat == scrape.FailureRateLimited && hint > wait {
			wait = hint
		}
		rec.NextDelay = wait
		attempts = append(attempts, rec)
		e.observe(p, rec)
		logger.Debug("attempt failed; backing off",
			zap.Int("attempt", n),
			zap.String("category", string(cat)),
			zap.Duration("delay", wait),
			zap.Error(err),
		)

		if err := e.sleep(ctx, wait); err != nil {
			return Outcome{Attempts: attempts}, exhausted(scrape.FailureCanceled, err)
		}
	}
	// Unreachable for MaxAttempts >= 1.
	return Outcome{Attempts: attempts}, exhausted(scrape.FailureNone, errors.New("no attempts made"))
}

func (e *Engine) observe(p *Policy, rec scrape.AttemptRecord) {
	if e.onTry != nil {
		e.onTry(p.Name, rec)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
