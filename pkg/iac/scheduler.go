package iac

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// unitStatus is the execution status of one plan unit.
type unitStatus string

const (
	unitPending   unitStatus = "pending"
	unitSucceeded unitStatus = "succeeded"
	unitFailed    unitStatus = "failed"
	unitSkipped   unitStatus = "skipped"
)

// scheduler executes plan units level by level, running the units of one
// level on a bounded worker pool. It records every change in state as it
// happens, so a failed apply still yields an accurate state.
type scheduler struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	// mu protects state, status and errs
	mu     sync.Mutex
	state  *State
	status map[string]unitStatus
	errs   map[string]error
	done   PlanSummary
}

func newScheduler(provider Provider, opts Options, logger zerolog.Logger, now func() time.Time, state *State) *scheduler {
	return &scheduler{
		provider: provider,
		opts:     opts,
		logger:   logger,
		now:      now,
		state:    state,
		status:   make(map[string]unitStatus),
		errs:     make(map[string]error),
	}
}

// run executes the units. It returns nil when every unit succeeded.
func (s *scheduler) run(ctx context.Context, units []PlanUnit) error {
	levels := make(map[int][]*PlanUnit)
	depth := 0
	for i := range units {
		u := &units[i]
		s.status[u.ID] = unitPending
		levels[u.Level] = append(levels[u.Level], u)
		if u.Level+1 > depth {
			depth = u.Level + 1
		}
	}

	for level := 0; level < depth; level++ {
		if err := ctx.Err(); err != nil {
			s.logger.Warn().Int("level", level).Msg("Apply cancelled before level")
			return errors.Join(s.failure(), NewPermanentError("apply cancelled", err).WithCode(ErrCodeCancelled))
		}
		s.executeLevel(ctx, levels[level])
	}

	return s.failure()
}

// executeLevel runs every unit of one level using a worker pool.
func (s *scheduler) executeLevel(ctx context.Context, units []*PlanUnit) {
	if len(units) == 0 {
		return
	}
	workerCount := s.opts.MaxParallel
	if len(units) < workerCount {
		workerCount = len(units)
	}

	workQueue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range workQueue {
				if failedDep := s.failedDependency(unit); failedDep != "" {
					s.finish(unit, unitSkipped, NewPermanentError(
						fmt.Sprintf("skipped because %s did not complete", failedDep), nil).
						WithCode(ErrCodeDependencyFailed).WithResource(unit.ResourceID))
					continue
				}
				if err := s.executeUnit(ctx, unit); err != nil {
					s.finish(unit, unitFailed, err)
					continue
				}
				s.finish(unit, unitSucceeded, nil)
			}
		}()
	}
	wg.Wait()
}

func (s *scheduler) failedDependency(unit *PlanUnit) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range unit.DependsOn {
		if s.status[dep] != unitSucceeded {
			return dep
		}
	}
	return ""
}

func (s *scheduler) finish(unit *PlanUnit, status unitStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[unit.ID] = status
	if err != nil {
		s.errs[unit.ID] = err
		s.logger.Error().Err(err).Str("unit", unit.ID).Str("status", string(status)).Msg("Plan unit did not complete")
		return
	}
	switch unit.Operation {
	case OperationCreate:
		s.done.ToCreate++
	case OperationReplace:
		s.done.ToReplace++
	case OperationDelete:
		s.done.ToDelete++
	}
	s.logger.Debug().Str("unit", unit.ID).Msg("Plan unit completed")
}

// executeUnit performs one unit, retrying retryable provider errors.
func (s *scheduler) executeUnit(ctx context.Context, unit *PlanUnit) error {
	if unit.Operation == OperationDelete || unit.Operation == OperationReplace {
		if err := s.withRetry(ctx, unit, func(ctx context.Context) error {
			return s.provider.Delete(ctx, *unit.Prior)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.state.Resources, unit.ResourceID)
		s.mu.Unlock()
	}
	if unit.Operation == OperationDelete {
		return nil
	}

	var result *ProviderResult
	if err := s.withRetry(ctx, unit, func(ctx context.Context) error {
		var err error
		result, err = s.provider.Ensure(ctx, unit.Desired)
		return err
	}); err != nil {
		return err
	}

	r := unit.Desired
	rec := ResourceRecord{
		ID:        r.ID,
		Kind:      r.Kind,
		Name:      r.Name,
		Layer:     r.Layer,
		Component: r.Component,
		Hash:      r.Hash(),
		DependsOn: r.DependsOn,
		AppliedAt: s.now().UTC(),
	}
	if result != nil {
		rec.ProviderID = result.ProviderID
		rec.Outputs = result.Outputs
	}
	s.mu.Lock()
	s.state.Resources[r.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *scheduler) withRetry(ctx context.Context, unit *PlanUnit, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, s.opts.UnitTimeout)
		err = fn(execCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= s.opts.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, err)
		s.logger.Warn().Err(err).
			Str("unit", unit.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying plan unit")
		if sleepErr := s.opts.Sleep(ctx, backoff); sleepErr != nil {
			return NewPermanentError("apply cancelled", sleepErr).WithCode(ErrCodeCancelled).WithResource(unit.ResourceID)
		}
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Resource == "" {
			engineErr.Resource = unit.ResourceID
		}
		return err
	}
	return NewPermanentError(fmt.Sprintf("%s %s failed", unit.Operation, unit.ResourceID), err).
		WithCode(ErrCodeProviderFailed).
		WithResource(unit.ResourceID).
		WithOperation(string(unit.Operation))
}

// failure joins the unit errors in unit order, or returns nil.
func (s *scheduler) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.errs))
	for id := range s.errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, s.errs[id])
	}
	return errors.Join(errs...)
}

// calculateBackoff returns an exponential delay with a jitter margin. Throttled
// and conflicting operations start from a longer base.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
