package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// rewind picks the phase the run starts from. A new revision or an explicit
// restart begins at NotStarted and keeps the infrastructure state so the next
// plan diffs against what is running. A failed run of the same revision
// resumes from its last successful phase. A planned phase whose plan was
// consumed by a partial apply is planned again.
func (r *run) rewind(restart bool) {
	st := r.st
	switch {
	case restart || st.Revision != r.revision:
		st.Phase = state.PhaseNotStarted
		st.LastSuccessfulPhase = state.PhaseNotStarted
		st.Revision = r.revision
		st.Environment = r.d.Environment
		st.PendingPlan = nil
		st.Images = nil
		st.LastError = nil
	case st.Phase == state.PhaseFailed:
		st.Phase = st.LastSuccessfulPhase
		st.LastError = nil
	}

	if len(st.PendingPlan) == 0 {
		switch st.Phase {
		case state.PhasePhase1Planned:
			st.Phase = state.PhaseNotStarted
		case state.PhasePhase2Planned:
			st.Phase = state.PhaseImagesBuilt
		}
	}
}

func (r *run) execute(lease *state.Lease) (*state.DeploymentState, error) {
	c := r.c
	started := c.opts.Clock()
	team := r.key.Team()

	ctx, span := c.opts.Tracer.StartDeploymentSpan(r.ctx, string(r.key), r.revision)
	defer span.End()
	r.ctx = ctx

	c.opts.Metrics.RecordDeploymentStarted(team)
	c.publish(telemetry.Event{
		Type:    telemetry.EventTypeDeploymentStarted,
		RunID:   r.runID,
		AppKey:  string(r.key),
		Phase:   string(r.st.Phase),
		Level:   telemetry.EventLevelInfo,
		Message: "deployment started",
		Data:    map[string]interface{}{"revision": r.revision},
	})
	r.logger.Info().Str("phase", string(r.st.Phase)).Msg("Starting deployment")

	err := r.loop(&leaseKeeper{store: c.store, lease: lease, ttl: c.opts.LeaseTTL, logger: r.logger})
	c.opts.Metrics.RecordDeploymentCompleted(team, string(r.st.Phase), c.opts.Clock().Sub(started))

	if err != nil {
		kind := KindOf(err)
		c.opts.Metrics.RecordError(string(kind))
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.AttrErrorKind.String(string(kind)))
		c.publish(telemetry.Event{
			Type:    telemetry.EventTypeDeploymentFailed,
			RunID:   r.runID,
			AppKey:  string(r.key),
			Phase:   string(r.st.Phase),
			Level:   telemetry.EventLevelError,
			Message: err.Error(),
			Data:    map[string]interface{}{"kind": string(kind)},
		})
		r.logger.Error().Err(err).Str("kind", string(kind)).Msg("Deployment failed")
		return r.st, err
	}

	telemetry.RecordSuccess(span)
	c.publish(telemetry.Event{
		Type:    telemetry.EventTypeDeploymentSucceeded,
		RunID:   r.runID,
		AppKey:  string(r.key),
		Phase:   string(r.st.Phase),
		Level:   telemetry.EventLevelInfo,
		Message: "deployment verified healthy",
		Data:    map[string]interface{}{"outputs": r.st.Outputs},
	})
	r.logger.Info().Msg("Deployment verified healthy")
	return r.st, nil
}

// loop advances the state machine one phase at a time, persisting after
// every transition. Cancellation is only observed here, between phases; the
// phase itself runs to completion while the lease is kept alive.
func (r *run) loop(keeper *leaseKeeper) error {
	c := r.c
	for !r.st.Phase.Terminal() {
		if err := r.ctx.Err(); err != nil {
			return newError(KindCancelled, "deployment cancelled", err).at(r.st.Phase, r.st)
		}
		if err := keeper.renew(r.ctx); err != nil {
			return storeError("failed to renew lease", err).at(r.st.Phase, r.st)
		}

		from := r.st.Phase
		begin := c.opts.Clock()
		phaseCtx, span := c.opts.Tracer.StartPhaseSpan(r.ctx, string(from))
		stop := keeper.keepAlive(context.WithoutCancel(phaseCtx), c.opts.LeaseRenewInterval)
		err := r.step(phaseCtx, from)
		if lerr := stop(); lerr != nil && err == nil {
			err = storeError("lease lost during phase", lerr)
		}
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()

		if err != nil {
			c.opts.Metrics.RecordPhase(string(from), "failed", c.opts.Clock().Sub(begin))
			return r.fail(from, err)
		}

		next := from.Next()
		r.st.Phase = next
		r.st.LastSuccessfulPhase = next
		r.st.LastError = nil
		if err := r.save(context.WithoutCancel(r.ctx)); err != nil {
			return err
		}

		c.opts.Metrics.RecordPhase(string(from), "success", c.opts.Clock().Sub(begin))
		c.publish(telemetry.Event{
			Type:    telemetry.EventTypePhaseCompleted,
			RunID:   r.runID,
			AppKey:  string(r.key),
			Phase:   string(next),
			Level:   telemetry.EventLevelInfo,
			Message: fmt.Sprintf("%s -> %s", from, next),
		})
		r.logger.Info().Str("from", string(from)).Str("to", string(next)).Msg("Phase complete")
	}
	return nil
}

// step runs one phase. The engine and the builder get a context that ignores
// cancellation so a cancel never interrupts them halfway.
func (r *run) step(ctx context.Context, phase state.Phase) error {
	work := context.WithoutCancel(ctx)
	switch phase {
	case state.PhaseNotStarted:
		return r.plan(work, iac.ModeInfraOnly)
	case state.PhasePhase1Planned, state.PhasePhase2Planned:
		return r.apply(work)
	case state.PhasePhase1Applied:
		return r.buildImages(work)
	case state.PhaseImagesBuilt:
		return r.plan(work, iac.ModeInfraWorkload)
	case state.PhasePhase2Applied:
		return r.verifyHealth(ctx)
	}
	return newError(KindInternal, fmt.Sprintf("no transition from phase %s", phase), nil)
}

// fail records err against the state. Cancellation and concurrency errors
// leave the phase untouched so the run can resume; everything else moves the
// state to Failed.
func (r *run) fail(phase state.Phase, err error) error {
	var de *Error
	if !errors.As(err, &de) {
		de = newError(KindInternal, "phase failed", err)
	}
	if r.ctx.Err() != nil && de.Kind != KindCancelled {
		de = newError(KindCancelled, "deployment cancelled", err)
	}

	persist := context.WithoutCancel(r.ctx)
	switch de.Kind {
	case KindStaleState, KindLeaseBusy:
		return de.at(phase, r.st)
	case KindCancelled:
		if serr := r.save(persist); serr != nil {
			return errors.Join(de.at(phase, r.st), serr)
		}
		return de.at(phase, r.st)
	}

	message := de.Message
	if de.Err != nil {
		message += ": " + de.Err.Error()
	}
	r.st.Phase = state.PhaseFailed
	r.st.LastError = &state.ErrorRecord{
		Kind:       string(de.Kind),
		Phase:      phase,
		Message:    message,
		Output:     de.Output,
		Fix:        de.Fix,
		OccurredAt: r.c.opts.Clock().UTC(),
	}
	if serr := r.save(persist); serr != nil {
		r.logger.Error().Err(serr).Msg("Failed to persist failed state")
		return errors.Join(de.at(phase, r.st), serr)
	}
	return de.at(phase, r.st)
}

func (r *run) save(ctx context.Context) error {
	if err := r.c.store.Save(ctx, r.key, r.st, r.st.Serial); err != nil {
		return storeError("failed to save state", err).at(r.st.Phase, r.st)
	}
	return nil
}

func (r *run) workingSet() iac.WorkingSet {
	return iac.WorkingSet{
		AppKey:     r.key.Team() + "/" + r.key.App(),
		Descriptor: r.d,
		Revision:   r.revision,
		Images:     r.st.Images,
		PriorState: r.st.InfrastructureState,
	}
}

func (r *run) plan(ctx context.Context, mode iac.Mode) error {
	if mode == iac.ModeInfraWorkload {
		for _, comp := range r.d.EnabledComponents() {
			if comp.Buildable() && r.st.Images[string(comp)] == "" {
				return newError(KindInternal, fmt.Sprintf("no pushed image recorded for %s", comp), nil)
			}
		}
	}

	plan, err := r.c.engine.Plan(ctx, r.workingSet(), mode)
	if err != nil {
		return newError(KindPlan, fmt.Sprintf("failed to plan %s", mode), err)
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return newError(KindInternal, "failed to encode plan", err)
	}
	r.st.PendingPlan = data

	r.logger.Info().
		Str("mode", string(mode)).
		Int("create", plan.Summary.ToCreate).
		Int("replace", plan.Summary.ToReplace).
		Int("delete", plan.Summary.ToDelete).
		Int("unchanged", plan.Summary.NoChange).
		Msg("Plan ready")
	return nil
}

// apply executes the pending plan. Whatever the engine reports as applied is
// recorded even when the apply fails, and the plan is consumed either way.
func (r *run) apply(ctx context.Context) error {
	if len(r.st.PendingPlan) == 0 {
		return newError(KindInternal, "no pending plan to apply", nil)
	}
	var plan iac.Plan
	if err := json.Unmarshal(r.st.PendingPlan, &plan); err != nil {
		return newError(KindInternal, "failed to decode pending plan", err)
	}

	res, err := r.c.engine.Apply(ctx, &plan)
	if res != nil {
		r.st.InfrastructureState = res.State
		r.st.Outputs = res.Outputs
	}
	r.st.PendingPlan = nil
	if err != nil {
		return newError(KindApply, fmt.Sprintf("failed to apply %s plan", plan.Mode), err)
	}

	r.logger.Info().
		Str("mode", string(plan.Mode)).
		Int("created", res.Summary.ToCreate).
		Int("replaced", res.Summary.ToReplace).
		Int("deleted", res.Summary.ToDelete).
		Msg("Plan applied")
	return nil
}

// buildImages builds and pushes every enabled buildable component. Images
// are recorded only when all of them were pushed.
func (r *run) buildImages(ctx context.Context) error {
	images := make(map[string]string)
	for _, comp := range r.d.EnabledComponents() {
		if !comp.Buildable() {
			continue
		}
		if r.c.builder == nil {
			return newError(KindInternal, "no image builder configured", nil)
		}

		tag := r.imageTag(comp)
		ref, err := r.c.builder.Build(ctx, r.d.BuildContext(comp), tag)
		if err != nil {
			return newError(KindBuild, fmt.Sprintf("failed to build %s image", comp), err)
		}
		if err := r.c.builder.Push(ctx, ref); err != nil {
			return newError(KindBuild, fmt.Sprintf("failed to push %s image %s", comp, ref), err)
		}
		images[string(comp)] = ref
		r.logger.Info().Str("component", string(comp)).Str("image", ref).Msg("Image pushed")
	}
	r.st.Images = images
	return nil
}

// imageTag names a component image after the application and revision.
func (r *run) imageTag(comp descriptor.ComponentName) string {
	tag := fmt.Sprintf("%s/%s-%s:%s", r.d.App.Team, r.d.App.Name, comp, descriptor.ShortRevision(r.revision))
	if r.c.opts.ImageRegistry != "" {
		tag = strings.TrimSuffix(r.c.opts.ImageRegistry, "/") + "/" + tag
	}
	return tag
}

type healthTarget struct {
	component descriptor.ComponentName
	url       string
}

func (r *run) healthTargets() ([]healthTarget, error) {
	var targets []healthTarget
	for _, comp := range r.d.EnabledComponents() {
		if !comp.NetworkExposed() {
			continue
		}
		base := r.st.Outputs[string(comp)+"_url"]
		if base == "" {
			e := newError(KindHealthCheckTimeout, fmt.Sprintf("%s cannot be probed: apply reported no address", comp), nil)
			e.Fix = fmt.Sprintf("the container provider must report a %q output for %s; check its port mapping and "+
				"the outputs shown by 'shipyard status', then tear down and deploy again", iac.OutputURL, comp)
			return nil, e
		}
		path := r.d.Effective(comp).HealthPath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		targets = append(targets, healthTarget{component: comp, url: strings.TrimSuffix(base, "/") + path})
	}
	return targets, nil
}

// verifyHealth waits for the settle delay, then probes each exposed
// component a fixed number of times at a fixed interval. Cancellation is
// honoured while waiting between attempts but not during a probe or a
// rollback.
func (r *run) verifyHealth(ctx context.Context) error {
	targets, err := r.healthTargets()
	if err != nil {
		var herr *Error
		if errors.As(err, &herr) {
			return r.unhealthy(ctx, herr)
		}
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	if r.c.probe == nil {
		return newError(KindInternal, "no health probe configured", nil)
	}

	if err := r.c.opts.Sleep(ctx, r.c.opts.SettleDelay); err != nil {
		return newError(KindCancelled, "cancelled while settling", err)
	}

	for _, t := range targets {
		healthy, err := r.probe(ctx, t)
		if err != nil {
			return newError(KindCancelled, "cancelled while probing health", err)
		}
		if healthy {
			continue
		}
		return r.unhealthy(ctx, newError(KindHealthCheckTimeout, fmt.Sprintf("%s did not become healthy at %s after %d attempts",
			t.component, t.url, r.c.opts.HealthRetries), nil))
	}
	return nil
}

// unhealthy applies the health policy to herr and returns it.
func (r *run) unhealthy(ctx context.Context, herr *Error) *Error {
	if r.c.opts.OnHealthTimeout != HealthPolicyRollback {
		return herr
	}
	if rerr := r.rollback(context.WithoutCancel(ctx)); rerr != nil {
		herr.Message += "; rollback failed: " + rerr.Error()
		herr.Output = iac.Output(rerr)
	} else {
		herr.Message += "; workloads rolled back"
	}
	return herr
}

func (r *run) probe(ctx context.Context, t healthTarget) (bool, error) {
	check := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= r.c.opts.HealthRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		healthy, err := r.c.probe.Check(check, t.url)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", t.url).Msg("Health probe could not run")
			healthy = false
		}
		r.c.opts.Metrics.RecordHealthProbe(string(t.component), healthy)
		if healthy {
			r.logger.Info().Str("component", string(t.component)).Int("attempt", attempt).Msg("Component healthy")
			return true, nil
		}
		r.logger.Debug().Str("component", string(t.component)).Int("attempt", attempt).Msg("Component not healthy yet")
		if attempt < r.c.opts.HealthRetries {
			if err := r.c.opts.Sleep(ctx, r.c.opts.HealthInterval); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// rollback removes the workloads and keeps shared infrastructure. The images
// are still pushed, so the last successful phase becomes ImagesBuilt.
func (r *run) rollback(ctx context.Context) error {
	ws := r.workingSet()
	ws.PruneWorkloads = true
	plan, err := r.c.engine.Plan(ctx, ws, iac.ModeInfraOnly)
	if err != nil {
		return err
	}
	res, err := r.c.engine.Apply(ctx, plan)
	if res != nil {
		r.st.InfrastructureState = res.State
		r.st.Outputs = res.Outputs
	}
	if err != nil {
		return err
	}
	r.st.LastSuccessfulPhase = state.PhaseImagesBuilt
	r.logger.Warn().Int("removed", res.Summary.ToDelete).Msg("Workloads rolled back after failed health checks")
	return nil
}
