package iac

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes plan execution.
type Options struct {
	// MaxParallel bounds concurrent units within one level. Default 4.
	MaxParallel int

	// MaxRetries is the number of retries for a retryable provider error.
	// Default 3.
	MaxRetries int

	// UnitTimeout bounds a single provider call. Default 5 minutes.
	UnitTimeout time.Duration

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Suffix names a new lineage. It is called once, on the first plan of an
	// application; later plans reuse the suffix recorded in the state.
	// Defaults to RandomSuffix.
	Suffix func() (string, error)
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.UnitTimeout <= 0 {
		o.UnitTimeout = 5 * time.Minute
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Suffix == nil {
		o.Suffix = RandomSuffix
	}
	return o
}

// Engine plans and applies resource changes through a Provider.
type Engine struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger
}

// NewEngine creates an engine. A negative Options.MaxRetries disables retries.
func NewEngine(provider Provider, logger zerolog.Logger, opts Options) *Engine {
	return &Engine{
		provider: provider,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "iac").Logger(),
	}
}

func (e *Engine) now() time.Time { return e.opts.Clock() }

// Apply executes plan. The returned result is non-nil whenever the plan could
// be started: after a failure its State reflects every change that did
// happen, so callers can persist it and diff against it next time.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Base == nil {
		return nil, NewPermanentError("plan has no base state", nil).WithCode(ErrCodeValidation)
	}

	state := plan.Base.Clone()
	state.Serial++

	units := make([]PlanUnit, len(plan.Units))
	copy(units, plan.Units)

	logger := e.logger.With().Str("app", plan.AppKey).Str("plan_id", plan.ID).Str("mode", string(plan.Mode)).Logger()
	logger.Info().Int("units", len(units)).Msg("Applying plan")
	start := e.now()

	sched := newScheduler(e.provider, e.opts, logger, e.now, state)
	runErr := sched.run(ctx, units)

	blob, err := state.Marshal()
	if err != nil {
		return nil, NewPermanentError("failed to encode engine state", err).WithCode(ErrCodeInternal)
	}
	summary := sched.done
	summary.NoChange = plan.Summary.NoChange
	result := &ApplyResult{
		State:   blob,
		Outputs: state.Outputs(),
		Summary: summary,
	}

	if runErr != nil {
		code := ErrCodeProviderFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			code = ErrCodeCancelled
		}
		logger.Error().Err(runErr).Dur("duration", e.now().Sub(start)).Msg("Apply failed")
		return result, NewPermanentError("apply failed", runErr).
			WithCode(code).
			WithOutput(Output(runErr))
	}

	logger.Info().
		Int("created", summary.ToCreate).
		Int("replaced", summary.ToReplace).
		Int("deleted", summary.ToDelete).
		Dur("duration", e.now().Sub(start)).
		Msg("Apply completed")
	return result, nil
}
