package iac

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

func unitID(op OperationType, resourceID string) string {
	return fmt.Sprintf("%s:%s", op, resourceID)
}

// Plan computes the changes needed to move the recorded state of ws to what
// mode asks for. The working set's prior state blob fixes the resource name
// suffix; a first plan starts a new lineage.
func (e *Engine) Plan(ctx context.Context, ws WorkingSet, mode Mode) (*Plan, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if ws.Descriptor == nil && mode != ModeDestroy {
		return nil, NewPermanentError("working set has no descriptor", nil).WithCode(ErrCodeValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewPermanentError("plan cancelled", err).WithCode(ErrCodeCancelled)
	}

	base, err := ParseState(ws.PriorState)
	if err != nil {
		return nil, err
	}
	if base == nil {
		suffix, err := e.opts.Suffix()
		if err != nil {
			return nil, NewPermanentError("failed to start engine state", err).WithCode(ErrCodeInternal)
		}
		if suffix == "" {
			return nil, NewPermanentError("suffix source returned an empty suffix", nil).WithCode(ErrCodeInternal)
		}
		base = NewState(suffix)
	}

	desired, err := desiredResources(ws, mode, base.Suffix)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.NewString(),
		AppKey:    ws.AppKey,
		Mode:      mode,
		Revision:  ws.Revision,
		CreatedAt: e.now(),
		Base:      base,
	}

	// unitFor maps a resource ID to the unit that changes it, if any.
	unitFor := make(map[string]string)
	wanted := make(map[string]bool, len(desired))

	for i := range desired {
		r := desired[i]
		wanted[r.ID] = true
		prior, exists := base.Resources[r.ID]
		switch {
		case exists && prior.Hash == r.Hash():
			plan.Carried = append(plan.Carried, prior)
			plan.Summary.NoChange++
		case exists:
			p := prior
			plan.Units = append(plan.Units, PlanUnit{
				ID:         unitID(OperationReplace, r.ID),
				ResourceID: r.ID,
				Operation:  OperationReplace,
				Desired:    &r,
				Prior:      &p,
			})
			unitFor[r.ID] = unitID(OperationReplace, r.ID)
			plan.Summary.ToReplace++
		default:
			plan.Units = append(plan.Units, PlanUnit{
				ID:         unitID(OperationCreate, r.ID),
				ResourceID: r.ID,
				Operation:  OperationCreate,
				Desired:    &r,
			})
			unitFor[r.ID] = unitID(OperationCreate, r.ID)
			plan.Summary.ToCreate++
		}
	}

	for _, id := range base.ResourceIDs() {
		if wanted[id] {
			continue
		}
		rec := base.Resources[id]
		if mode == ModeInfraOnly && rec.Layer == LayerWorkload && !ws.PruneWorkloads {
			plan.Carried = append(plan.Carried, rec)
			continue
		}
		plan.Units = append(plan.Units, PlanUnit{
			ID:         unitID(OperationDelete, id),
			ResourceID: id,
			Operation:  OperationDelete,
			Prior:      &rec,
		})
		unitFor[id] = unitID(OperationDelete, id)
		plan.Summary.ToDelete++
	}

	// Creates wait for the resources they depend on. Removals wait for
	// every change to a recorded resource that used the removed one.
	for i := range plan.Units {
		u := &plan.Units[i]
		if u.Desired != nil {
			for _, dep := range u.Desired.DependsOn {
				if id, ok := unitFor[dep]; ok && id != u.ID {
					u.DependsOn = append(u.DependsOn, id)
				}
			}
		}
		if u.Operation == OperationDelete {
			for _, other := range plan.Units {
				if other.Prior == nil || other.ID == u.ID {
					continue
				}
				for _, dep := range other.Prior.DependsOn {
					if dep == u.ResourceID {
						u.DependsOn = append(u.DependsOn, other.ID)
					}
				}
			}
		}
		sort.Strings(u.DependsOn)
	}

	if _, err := levelize(plan.Units); err != nil {
		return nil, err
	}
	sort.Slice(plan.Units, func(i, j int) bool {
		if plan.Units[i].Level != plan.Units[j].Level {
			return plan.Units[i].Level < plan.Units[j].Level
		}
		return plan.Units[i].ID < plan.Units[j].ID
	})
	sort.Slice(plan.Carried, func(i, j int) bool { return plan.Carried[i].ID < plan.Carried[j].ID })

	e.logger.Debug().
		Str("app", ws.AppKey).
		Str("mode", string(mode)).
		Int("create", plan.Summary.ToCreate).
		Int("replace", plan.Summary.ToReplace).
		Int("delete", plan.Summary.ToDelete).
		Int("unchanged", plan.Summary.NoChange).
		Msg("Plan computed")

	return plan, nil
}
