package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// HealthPolicy decides what happens to a rollout whose health checks time out.
type HealthPolicy string

const (
	// HealthPolicyRetain leaves every resource standing for inspection.
	HealthPolicyRetain HealthPolicy = "retain"

	// HealthPolicyRollback removes the workloads and keeps the shared
	// infrastructure.
	HealthPolicyRollback HealthPolicy = "rollback"
)

// Options tunes a Coordinator.
type Options struct {
	// LeaseTTL is how long a lease lasts without renewal. Default 15 minutes.
	LeaseTTL time.Duration

	// LeaseRenewInterval is how often the lease is renewed while a phase is
	// running. Default LeaseTTL/3.
	LeaseRenewInterval time.Duration

	// LeaseWait bounds how long Deploy waits for a busy lease. Default 30s.
	LeaseWait time.Duration

	// LeasePoll is the interval between lease attempts. Default 2s.
	LeasePoll time.Duration

	// SettleDelay is waited once before the first health probe. Default 10s.
	SettleDelay time.Duration

	// HealthRetries is the number of probe attempts per component. Default 10.
	HealthRetries int

	// HealthInterval is the wait between probe attempts. Default 10s.
	HealthInterval time.Duration

	// OnHealthTimeout selects the policy after health checks time out.
	// Default HealthPolicyRetain.
	OnHealthTimeout HealthPolicy

	// ImageRegistry prefixes image references (e.g., "registry.local:5000").
	ImageRegistry string

	// AutoRegister accepts unregistered applications into the registry
	// instead of rejecting them.
	AutoRegister bool

	// Holder names this process in leases. Defaults to the host name.
	Holder string

	// Sleep waits between lease and probe attempts.
	Sleep func(ctx context.Context, d time.Duration) error

	// Clock returns the current time.
	Clock func() time.Time

	// Metrics records deployment metrics. May be nil.
	Metrics *telemetry.Metrics

	// Tracer creates deployment spans. Defaults to a no-op tracer.
	Tracer *telemetry.Tracer

	// Events receives lifecycle events. May be nil.
	Events EventSink
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Minute
	}
	if o.LeaseRenewInterval <= 0 || o.LeaseRenewInterval >= o.LeaseTTL {
		o.LeaseRenewInterval = o.LeaseTTL / 3
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = 30 * time.Second
	}
	if o.LeasePoll <= 0 {
		o.LeasePoll = 2 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	} else if o.SettleDelay == 0 {
		o.SettleDelay = 10 * time.Second
	}
	if o.HealthRetries <= 0 {
		o.HealthRetries = 10
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.OnHealthTimeout == "" {
		o.OnHealthTimeout = HealthPolicyRetain
	}
	if o.Holder == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "shipyard"
		}
		o.Holder = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NoopTracer()
	}
	return o
}

// Request asks for one application to be rolled out.
type Request struct {
	// Descriptor is the parsed application descriptor.
	Descriptor *descriptor.Descriptor

	// Restart discards progress of a failed run and starts from NotStarted.
	Restart bool
}

// Key returns the state key the request addresses.
func (r Request) Key() state.Key {
	return state.KeyFor(r.Descriptor.App.Team, r.Descriptor.App.Name)
}

// Coordinator drives the phased rollout of applications.
type Coordinator struct {
	registry registry.Registry
	store    state.Store
	engine   IaCEngine
	builder  ImageBuilder
	probe    HealthProbe
	opts     Options
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. A negative Options.SettleDelay
// disables the settle wait.
func NewCoordinator(reg registry.Registry, store state.Store, engine IaCEngine, builder ImageBuilder, probe HealthProbe, logger zerolog.Logger, opts Options) *Coordinator {
	return &Coordinator{
		registry: reg,
		store:    store,
		engine:   engine,
		builder:  builder,
		probe:    probe,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "deploy").Logger(),
	}
}

// run is the per-invocation context of one Deploy call.
type run struct {
	c        *Coordinator
	ctx      context.Context
	key      state.Key
	d        *descriptor.Descriptor
	revision string
	st       *state.DeploymentState
	logger   zerolog.Logger
	runID    string
}

// Deploy rolls an application forward to HealthVerified. It returns the final
// persisted state together with an *Error when the run did not end healthy.
// A request for the revision that is already HealthVerified returns at once
// without touching the IaC engine, the image builder or the health probe.
func (c *Coordinator) Deploy(ctx context.Context, req Request) (*state.DeploymentState, error) {
	if req.Descriptor == nil {
		return nil, newError(KindConfig, "no descriptor given", nil)
	}
	d := req.Descriptor
	key := req.Key()
	revision := d.Revision()
	logger := c.logger.With().
		Str("app", d.App.Team+"/"+d.App.Name).
		Str("revision", descriptor.ShortRevision(revision)).
		Logger()

	if err := c.admit(ctx, d); err != nil {
		c.opts.Metrics.RecordError(string(KindOf(err)))
		return nil, err
	}

	lease, err := c.acquireLease(ctx, key)
	if err != nil {
		c.opts.Metrics.RecordError(string(KindOf(err)))
		return nil, err
	}
	defer c.releaseLease(lease, logger)

	st, err := c.load(ctx, key, d.Environment)
	if err != nil {
		return nil, err
	}

	if st.Revision == revision && st.Phase == state.PhaseHealthVerified && !req.Restart {
		logger.Info().Msg("Revision already verified, nothing to do")
		c.publish(telemetry.Event{
			Type:    telemetry.EventTypeDeploymentSkipped,
			AppKey:  string(key),
			Phase:   string(st.Phase),
			Level:   telemetry.EventLevelInfo,
			Message: "revision already verified",
		})
		return st, nil
	}

	r := &run{
		c:        c,
		ctx:      ctx,
		key:      key,
		d:        d,
		revision: revision,
		st:       st,
		logger:   logger,
		runID:    lease.ID,
	}
	r.rewind(req.Restart)
	return r.execute(lease)
}

// admit checks that the application is registered, active and owned by the
// descriptor's team.
func (c *Coordinator) admit(ctx context.Context, d *descriptor.Descriptor) error {
	entry, err := c.registry.Lookup(ctx, d.App.Name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if !c.opts.AutoRegister {
			return newError(KindConfig, fmt.Sprintf("application %q is not registered", d.App.Name), nil)
		}
		entry, err = registry.Accept(ctx, c.registry, d, d.SourcePath)
		if errors.Is(err, registry.ErrNameConflict) {
			return newError(KindConflict, "failed to register application", err)
		}
		if err != nil {
			return newError(KindInternal, "failed to register application", err)
		}
	case err != nil:
		return newError(KindInternal, "failed to read registry", err)
	}

	if !entry.OwnedBy(d.App.Team) {
		return newError(KindConflict,
			fmt.Sprintf("application %q is registered to team %q, not %q", d.App.Name, entry.Team, d.App.Team), nil)
	}
	if entry.Status != registry.StatusActive {
		return newError(KindConfig, fmt.Sprintf("application %q is %s", d.App.Name, entry.Status), nil)
	}
	return nil
}

// acquireLease polls until the lease is free or LeaseWait has passed.
func (c *Coordinator) acquireLease(ctx context.Context, key state.Key) (*state.Lease, error) {
	deadline := c.opts.Clock().Add(c.opts.LeaseWait)
	for {
		lease, err := c.store.AcquireLease(ctx, key, c.opts.Holder, c.opts.LeaseTTL)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, state.ErrLeaseBusy) {
			return nil, storeError("failed to acquire lease", err)
		}
		if !c.opts.Clock().Before(deadline) {
			e := newError(KindLeaseBusy, fmt.Sprintf("lease for %s still held after %s", key, c.opts.LeaseWait), err)
			e.Key = key
			return nil, e
		}
		if err := c.opts.Sleep(ctx, c.opts.LeasePoll); err != nil {
			return nil, newError(KindCancelled, "cancelled while waiting for lease", err)
		}
	}
}

func (c *Coordinator) releaseLease(lease *state.Lease, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Release(ctx, lease); err != nil {
		logger.Warn().Err(err).Msg("Failed to release lease")
	}
}

func (c *Coordinator) load(ctx context.Context, key state.Key, env descriptor.Environment) (*state.DeploymentState, error) {
	st, err := c.store.Load(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return state.New(key, env), nil
	}
	if err != nil {
		return nil, storeError("failed to load state", err)
	}
	return st, nil
}

// Status returns the persisted state of an application.
func (c *Coordinator) Status(ctx context.Context, team, name string) (*state.DeploymentState, error) {
	return c.store.Load(ctx, state.KeyFor(team, name))
}

func (c *Coordinator) publish(event telemetry.Event) {
	if c.opts.Events == nil {
		return
	}
	event.Source = "deploy"
	if err := c.opts.Events.Publish(event); err != nil {
		c.logger.Debug().Err(err).Str("type", event.Type).Msg("Event not published")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
