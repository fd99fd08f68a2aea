package deploy

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// Deployer runs one application's rollout.
type Deployer interface {
	Deploy(ctx context.Context, req Request) (*state.DeploymentState, error)
}

// RunnerOptions tunes a Runner.
type RunnerOptions struct {
	// Parallelism bounds how many applications deploy at once. Default 4.
	Parallelism int

	// MaxAttempts bounds runs per application when a concurrency error
	// occurs. Default 3.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry. Default 1s.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay. Default 30s.
	MaxBackoff time.Duration

	// Sleep waits between attempts.
	Sleep func(ctx context.Context, d time.Duration) error

	// Metrics records retries. May be nil.
	Metrics *telemetry.Metrics
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// Outcome is the result of one application's run.
type Outcome struct {
	Key      state.Key
	State    *state.DeploymentState
	Err      error
	Attempts int
}

// Healthy reports whether the run ended HealthVerified.
func (o Outcome) Healthy() bool {
	return o.Err == nil && o.State != nil && o.State.Phase == state.PhaseHealthVerified
}

// Runner fans deployments out over a bounded worker pool. Each application
// is an independent failure domain: one failing run never stops the others.
type Runner struct {
	deployer Deployer
	opts     RunnerOptions
	logger   zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(deployer Deployer, logger zerolog.Logger, opts RunnerOptions) *Runner {
	return &Runner{
		deployer: deployer,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Run deploys every request and returns outcomes in request order.
func (r *Runner) Run(ctx context.Context, reqs []Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	if len(reqs) == 0 {
		return outcomes
	}

	workerCount := r.opts.Parallelism
	if len(reqs) < workerCount {
		workerCount = len(reqs)
	}

	workQueue := make(chan int, len(reqs))
	for i := range reqs {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				outcomes[idx] = r.runOne(ctx, reqs[idx])
			}
		}()
	}
	wg.Wait()
	return outcomes
}

// runOne deploys one application, retrying only concurrency errors.
func (r *Runner) runOne(ctx context.Context, req Request) Outcome {
	out := Outcome{}
	if req.Descriptor == nil {
		out.Err = newError(KindConfig, "no descriptor given", nil)
		return out
	}
	out.Key = req.Key()

	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		out.Attempts = attempt
		out.State, out.Err = r.deployer.Deploy(ctx, req)
		if out.Err == nil || !IsRetryable(out.Err) || attempt == r.opts.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.opts.Metrics.RecordConcurrencyRetry(string(KindOf(out.Err)))
		r.logger.Warn().
			Err(out.Err).
			Str("app", string(out.Key)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Concurrency conflict, retrying deployment")
		if err := r.opts.Sleep(ctx, delay); err != nil {
			break
		}
	}
	return out
}

// backoff returns an exponential delay with up to 25% added jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.opts.BaseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > r.opts.MaxBackoff {
		delay = r.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}
