package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/cost"
	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/policy"
	"github.com/openfroyo/shipyard/pkg/registry"
)

// Limits are the accepted ranges and advisory thresholds.
type Limits struct {
	MinCPUCores   float64
	MaxCPUCores   float64
	MinMemoryGiB  float64
	MaxMemoryGiB  float64
	MinStorageMiB int
	MaxStorageMiB int

	// WarnCPUCores and WarnMemoryGiB trigger advisory findings when exceeded.
	WarnCPUCores  float64
	WarnMemoryGiB float64
}

// DefaultLimits returns the platform limits.
func DefaultLimits() Limits {
	return Limits{
		MinCPUCores:   0.25,
		MaxCPUCores:   4.0,
		MinMemoryGiB:  0.5,
		MaxMemoryGiB:  8.0,
		MinStorageMiB: 5120,
		MaxStorageMiB: 1048576,
		WarnCPUCores:  2.0,
		WarnMemoryGiB: 4.0,
	}
}

// Options configures a Validator. Zero values select defaults.
type Options struct {
	// Probe resolves build artifacts. Defaults to FSProbe.
	Probe ArtifactProbe

	// Policies evaluates advisory checks. Defaults to the built-in policies.
	Policies *policy.Engine

	// Pricing supplies known database tiers and cost hints.
	Pricing *cost.PricingTable

	// Limits overrides DefaultLimits when non-zero.
	Limits *Limits

	// ExemptTeams are not required to appear in the registry.
	ExemptTeams []string

	// Logger receives diagnostics about the validator itself.
	Logger zerolog.Logger
}

// Validator runs the ordered rule set.
type Validator struct {
	schema   *shapeSchema
	fields   *validator.Validate
	probe    ArtifactProbe
	policies *policy.Engine
	pricing  *cost.PricingTable
	limits   Limits
	exempt   map[string]bool
	logger   zerolog.Logger
}

// New builds a validator.
func New(opts Options) (*Validator, error) {
	schema, err := newShapeSchema()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Str("component", "validator").Logger()

	v := &Validator{
		schema:   schema,
		fields:   validator.New(),
		probe:    opts.Probe,
		policies: opts.Policies,
		pricing:  opts.Pricing,
		limits:   DefaultLimits(),
		exempt:   make(map[string]bool),
		logger:   logger,
	}
	if v.probe == nil {
		v.probe = FSProbe{}
	}
	if v.pricing == nil {
		v.pricing = cost.DefaultPricingTable()
	}
	if opts.Limits != nil {
		v.limits = *opts.Limits
	}
	if v.policies == nil {
		v.policies, err = policy.NewEngine(opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
	}
	exempt := opts.ExemptTeams
	if exempt == nil {
		exempt = []string{"pilot"}
	}
	for _, team := range exempt {
		v.exempt[team] = true
	}
	return v, nil
}

// Validate checks d against the rule set. snap is read, never modified. The
// only external call is the artifact probe.
func (v *Validator) Validate(ctx context.Context, d *descriptor.Descriptor, snap *registry.Snapshot) *Result {
	run := &run{
		v:      v,
		d:      d,
		snap:   snap,
		failed: make(map[string]bool),
		result: &Result{Descriptor: d.SourcePath},
	}

	run.checkShape()
	run.checkNaming()
	run.checkRanges()
	run.checkArtifacts(ctx)
	run.checkAdvisory(ctx)

	v.logger.Debug().
		Str("app", d.App.Name).
		Int("errors", len(run.result.Errors())).
		Int("warnings", len(run.result.Warnings())).
		Msg("Descriptor validated")

	return run.result
}

// run is the state of one Validate call.
type run struct {
	v      *Validator
	d      *descriptor.Descriptor
	snap   *registry.Snapshot
	failed map[string]bool
	result *Result
}

func (r *run) emit(diag Diagnostic) {
	if diag.Why == "" {
		diag.Why = fieldWhy(strings.Split(diag.Field, "."))
	}
	if diag.Fix == "" {
		diag.Fix = fmt.Sprintf("Review %s against the descriptor documentation", diag.Field)
	}
	if diag.Severity == SeverityError {
		r.failed[diag.Field] = true
	}
	r.result.Diagnostics = append(r.result.Diagnostics, diag)
}

// blocked reports whether field or one of its ancestors already failed.
func (r *run) blocked(field string) bool {
	parts := strings.Split(field, ".")
	for i := 1; i <= len(parts); i++ {
		if r.failed[strings.Join(parts[:i], ".")] {
			return true
		}
	}
	return false
}

func (r *run) checkShape() {
	failures, err := r.v.schema.check(r.d.Raw())
	if err != nil {
		r.emit(Diagnostic{
			Severity: SeverityError,
			Class:    ClassConfig,
			Rule:     RuleShape,
			Field:    "descriptor",
			Message:  fmt.Sprintf("Descriptor could not be checked: %v", err),
			Why:      "A descriptor that cannot be read cannot be deployed",
			Fix:      "Make sure the file is a YAML mapping with app, environment and components blocks",
		})
		return
	}
	for _, f := range failures {
		r.emit(shapeDiagnostic(r.d, f))
	}
}

// componentActive reports whether later rules should look at a component.
func (r *run) componentActive(name descriptor.ComponentName) bool {
	if r.blocked(fmt.Sprintf("components.%s.enabled", name)) {
		return false
	}
	return r.d.Component(name).IsEnabled()
}
