package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// TeardownResult describes a completed teardown.
type TeardownResult struct {
	Key      state.Key       `json:"key"`
	Removed  iac.PlanSummary `json:"removed"`
	Archived bool            `json:"archived"`
}

// Teardown destroys every resource recorded for the application, deletes its
// state and archives its registry entry. Tearing down an application with no
// state only archives the entry.
func (c *Coordinator) Teardown(ctx context.Context, d *descriptor.Descriptor) (*TeardownResult, error) {
	if d == nil {
		return nil, newError(KindConfig, "no descriptor given", nil)
	}
	key := state.KeyFor(d.App.Team, d.App.Name)
	logger := c.logger.With().Str("app", d.App.Team+"/"+d.App.Name).Logger()

	entry, err := c.registry.Lookup(ctx, d.App.Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		entry = nil
	case err != nil:
		return nil, newError(KindInternal, "failed to read registry", err)
	case !entry.OwnedBy(d.App.Team):
		return nil, newError(KindConflict,
			fmt.Sprintf("application %q is registered to team %q, not %q", d.App.Name, entry.Team, d.App.Team), nil)
	}

	lease, err := c.acquireLease(ctx, key)
	if err != nil {
		return nil, err
	}
	defer c.releaseLease(lease, logger)

	result := &TeardownResult{Key: key}

	st, err := c.store.Load(ctx, key)
	switch {
	case errors.Is(err, state.ErrNotFound):
		st = nil
	case err != nil:
		return nil, storeError("failed to load state", err)
	}

	if st != nil {
		if err := c.destroy(ctx, d, st, result); err != nil {
			return result, err
		}
		if err := c.store.Delete(ctx, key, st.Serial); err != nil {
			return result, storeError("failed to delete state", err).at(st.Phase, st)
		}
	}

	if entry != nil && entry.Status != registry.StatusArchived {
		if _, err := registry.SetStatus(ctx, c.registry, d.App.Name, registry.StatusArchived); err != nil {
			return result, newError(KindInternal, "failed to archive registry entry", err)
		}
		result.Archived = true
	}

	c.publish(telemetry.Event{
		Type:    telemetry.EventTypeTeardownCompleted,
		RunID:   lease.ID,
		AppKey:  string(key),
		Level:   telemetry.EventLevelInfo,
		Message: "application torn down",
		Data:    map[string]interface{}{"removed": result.Removed.ToDelete},
	})
	logger.Info().Int("removed", result.Removed.ToDelete).Bool("archived", result.Archived).Msg("Teardown complete")
	return result, nil
}

// destroy removes the application's resources. A failed destroy keeps what
// remains in the state so that teardown can be retried.
func (c *Coordinator) destroy(ctx context.Context, d *descriptor.Descriptor, st *state.DeploymentState, result *TeardownResult) error {
	if !st.InfrastructureExists() {
		return nil
	}
	ws := iac.WorkingSet{
		AppKey:     d.App.Team + "/" + d.App.Name,
		Descriptor: d,
		Revision:   st.Revision,
		PriorState: st.InfrastructureState,
	}
	plan, err := c.engine.Plan(ctx, ws, iac.ModeDestroy)
	if err != nil {
		return newError(KindPlan, "failed to plan destroy", err).at(st.Phase, st)
	}

	// Once started, the destroy runs to completion.
	res, err := c.engine.Apply(context.WithoutCancel(ctx), plan)
	if res != nil {
		result.Removed = res.Summary
	}
	if err != nil {
		if res != nil {
			st.InfrastructureState = res.State
			st.Outputs = res.Outputs
			if serr := c.store.Save(context.WithoutCancel(ctx), state.KeyFor(d.App.Team, d.App.Name), st, st.Serial); serr != nil {
				c.logger.Error().Err(serr).Msg("Failed to persist partial teardown")
			}
		}
		return newError(KindApply, "failed to apply destroy", err).at(st.Phase, st)
	}
	return nil
}
