package accountpool

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AccountSink receives successfully registered accounts. *Store satisfies it.
type AccountSink interface {
	Add(ctx context.Context, acct Account) error
}

// ReplenisherConfig configures a Replenisher.
type ReplenisherConfig struct {
	// MaxWorkers bounds the number of concurrently running registration
	// attempts. Defaults to 5.
	MaxWorkers int

	// AttemptTimeout is the hard deadline for a single registration attempt.
	// An attempt that exceeds it is abandoned and counted as a failure; it
	// never writes to the sink. Defaults to 5 minutes.
	AttemptTimeout time.Duration

	// SubmitInterval is the base pacing between attempt launches. A random
	// jitter of up to the same amount is added on top so launches are never
	// bursty against the external service. Defaults to 1 second.
	SubmitInterval time.Duration

	Logger *slog.Logger
}

func (c *ReplenisherConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Minute
	}
	if c.SubmitInterval <= 0 {
		c.SubmitInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Replenisher refills the pool by running bounded batches of registration
// attempts. Every completed attempt is handled independently: a success is
// written to the sink, a failure is classified and counted. There is no
// automatic retry within a pass; running another pass is the caller's call.
type Replenisher struct {
	registrar Registrar
	sink      AccountSink
	cfg       ReplenisherConfig
	limiter   *rate.Limiter
}

// NewReplenisher returns a Replenisher feeding sink from registrar.
func NewReplenisher(registrar Registrar, sink AccountSink, cfg ReplenisherConfig) *Replenisher {
	cfg.applyDefaults()
	return &Replenisher{
		registrar: registrar,
		sink:      sink,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.SubmitInterval), 1),
	}
}

// ReplenishResult aggregates the outcome of one replenishment pass.
type ReplenishResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Tier counts of successful registrations, by provider-reported
	// allowance.
	HighTier     int `json:"high_tier"`
	StandardTier int `json:"standard_tier"`

	// FailuresByStep classifies failures by the provisioning stage that
	// failed.
	FailuresByStep map[Step]int `json:"failures_by_step,omitempty"`
}

func (r ReplenishResult) merge(other attemptOutcome) ReplenishResult {
	if other.err == nil {
		r.Succeeded++
		switch other.requestLimit {
		case QuotaTierHigh:
			r.HighTier++
		case QuotaTierStandard:
			r.StandardTier++
		}
		return r
	}
	r.Failed++
	if r.FailuresByStep == nil {
		r.FailuresByStep = make(map[Step]int)
	}
	r.FailuresByStep[FailureStep(other.err)]++
	return r
}

type attemptOutcome struct {
	email        string
	requestLimit int
	err          error
}

// Run launches count registration attempts, at most MaxWorkers of them
// concurrent, and blocks until all have completed or been abandoned.
// Submissions are paced and jittered to avoid correlated bursts. Run never
// returns an error: registrar failures are absorbed into the result.
func (r *Replenisher) Run(ctx context.Context, count int) ReplenishResult {
	if count <= 0 {
		return ReplenishResult{}
	}

	r.cfg.Logger.Info("starting replenishment pass",
		"count", count, "max_workers", r.cfg.MaxWorkers)

	outcomes := make(chan attemptOutcome, count)
	sem := make(chan struct{}, r.cfg.MaxWorkers)
	var wg sync.WaitGroup

	launched := 0
	for i := 0; i < count; i++ {
		// Pace launches. When ctx is cancelled, stop submitting; attempts
		// already running finish on their own deadlines.
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		if i > 0 {
			jitter := time.Duration(rand.Int64N(int64(r.cfg.SubmitInterval)))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}

		launched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes <- r.attempt(ctx)
		}()
	}

	wg.Wait()
	close(outcomes)

	var result ReplenishResult
	result.Failed = count - launched // submissions cancelled before launch
	if result.Failed > 0 {
		result.FailuresByStep = map[Step]int{StepUnknown: result.Failed}
	}
	for outcome := range outcomes {
		result = result.merge(outcome)
	}

	r.cfg.Logger.Info("replenishment pass complete",
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"high_tier", result.HighTier,
		"standard_tier", result.StandardTier,
	)
	return result
}

// attempt runs a single registration with its own hard timeout and stores
// the result on success.
func (r *Replenisher) attempt(ctx context.Context) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	reg, err := r.registrar.Attempt(attemptCtx)
	if err != nil {
		r.cfg.Logger.Warn("registration attempt failed",
			"step", FailureStep(err), "error", err)
		return attemptOutcome{err: err}
	}

	if err := r.sink.Add(attemptCtx, reg.Account); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			// The account exists and is usable; count the attempt as a
			// success but log the collision.
			r.cfg.Logger.Warn("registered account already in pool",
				"email", reg.Account.Email)
			return attemptOutcome{email: reg.Account.Email, requestLimit: reg.RequestLimit}
		}
		r.cfg.Logger.Error("failed to store registered account",
			"email", reg.Account.Email, "error", err)
		return attemptOutcome{err: err}
	}

	r.cfg.Logger.Info("registered account",
		"email", reg.Account.Email, "request_limit", reg.RequestLimit)
	return attemptOutcome{email: reg.Account.Email, requestLimit: reg.RequestLimit}
}
