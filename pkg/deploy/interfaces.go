package deploy

import (
	"context"

	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// IaCEngine plans and applies an application's infrastructure.
type IaCEngine interface {
	Plan(ctx context.Context, ws iac.WorkingSet, mode iac.Mode) (*iac.Plan, error)
	Apply(ctx context.Context, plan *iac.Plan) (*iac.ApplyResult, error)
}

// ImageBuilder builds and pushes component images.
type ImageBuilder interface {
	Build(ctx context.Context, sourcePath, tag string) (string, error)
	Push(ctx context.Context, ref string) error
}

// HealthProbe checks whether a component answers at url.
type HealthProbe interface {
	Check(ctx context.Context, url string) (bool, error)
}

// EventSink receives deployment lifecycle events.
type EventSink interface {
	Publish(event telemetry.Event) error
}

var (
	_ IaCEngine = (*iac.Engine)(nil)
	_ EventSink = (*telemetry.EventPublisher)(nil)
)
