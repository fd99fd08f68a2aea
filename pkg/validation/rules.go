package validation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/policy"
)

var (
	nameCharset = regexp.MustCompile(`^[a-z0-9-]*$`)
	teamPattern = regexp.MustCompile(`^[a-z0-9-]{2,30}$`)
)

// Name length bounds.
const (
	MinNameLength = 3
	MaxNameLength = 15
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// suggestName lowercases name and replaces unsupported characters.
func suggestName(name string) string {
	s := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxNameLength {
		s = strings.TrimRight(s[:MaxNameLength], "-")
	}
	return s
}

func (r *run) checkNaming() {
	name := r.d.App.Name
	if !r.blocked("app.name") {
		switch {
		case !nameCharset.MatchString(name):
			suggestion := suggestName(name)
			r.emit(Diagnostic{
				Severity: SeverityError,
				Class:    ClassConfig,
				Rule:     RuleNaming,
				Field:    "app.name",
				Message:  fmt.Sprintf("App name %q contains characters other than lowercase letters, digits and hyphens", name),
				Why:      "The name is embedded in resource names, image tags and URLs, which only accept lowercase letters, digits and hyphens",
				Fix:      fmt.Sprintf("Use a lowercase name with only letters, digits and hyphens, for example %q", suggestion),
			})
		case len(name) < MinNameLength || len(name) > MaxNameLength:
			r.emit(Diagnostic{
				Severity: SeverityError,
				Class:    ClassConfig,
				Rule:     RuleNaming,
				Field:    "app.name",
				Message:  fmt.Sprintf("App name %q is %d characters long; names must be %d to %d characters", name, len(name), MinNameLength, MaxNameLength),
				Why:      "Generated resource names add an environment, a component and a suffix to the app name and must stay within provider length limits",
				Fix:      fmt.Sprintf("Choose a lowercase name of %d to %d characters", MinNameLength, MaxNameLength),
			})
		default:
			r.checkUniqueness(name)
		}
	}

	team := r.d.App.Team
	if !r.blocked("app.team") && !teamPattern.MatchString(team) {
		r.emit(Diagnostic{
			Severity: SeverityError,
			Class:    ClassConfig,
			Rule:     RuleNaming,
			Field:    "app.team",
			Message:  fmt.Sprintf("Team %q must be 2 to 30 lowercase letters, digits or hyphens", team),
			Why:      "The team is the first segment of the deployment state key and must be a valid path segment",
			Fix:      fmt.Sprintf("Use the team's lowercase identifier, for example %q", suggestName(team)),
		})
	}
}

func (r *run) checkUniqueness(name string) {
	entry, ok := r.snap.Lookup(name)
	if !ok || entry.OwnedBy(r.d.App.Team) {
		return
	}
	r.emit(Diagnostic{
		Severity: SeverityError,
		Class:    ClassConflict,
		Rule:     RuleNaming,
		Field:    "app.name",
		Message:  fmt.Sprintf("App name %q is already registered to team %q (status %s)", name, entry.Team, entry.Status),
		Why:      "Application names are unique across the platform; archived names stay reserved so their history remains auditable",
		Fix:      fmt.Sprintf("Choose a different name, for example %q", suggestName(r.d.App.Team+"-"+name)),
	})
}

func (r *run) checkRanges() {
	l := r.v.limits
	for _, name := range descriptor.ComponentNames {
		if !r.componentActive(name) {
			continue
		}
		spec := r.d.Component(name)
		eff := r.d.Effective(name)
		prefix := "components." + string(name)

		// Database sizing is tier based; explicit allocations are still bounded.
		checkAllocation := name != descriptor.Database
		if checkAllocation || spec.CPUCores != nil {
			r.checkVar(prefix+".cpu", eff.CPUCores, fmt.Sprintf("gte=%g,lte=%g", l.MinCPUCores, l.MaxCPUCores),
				fmt.Sprintf("%s requests %g CPU cores; the allowed range is %g to %g", name, eff.CPUCores, l.MinCPUCores, l.MaxCPUCores),
				"Containers are scheduled on hosts with fixed CPU sizes; requests outside the range cannot be placed",
				fmt.Sprintf("Set %s.cpu between %g and %g; 0.5 to 1.0 suits most services", prefix, l.MinCPUCores, l.MaxCPUCores))
		}
		if checkAllocation || spec.MemoryGiB != nil {
			r.checkVar(prefix+".memory", eff.MemoryGiB, fmt.Sprintf("gte=%g,lte=%g", l.MinMemoryGiB, l.MaxMemoryGiB),
				fmt.Sprintf("%s requests %g GiB of memory; the allowed range is %g to %g GiB", name, eff.MemoryGiB, l.MinMemoryGiB, l.MaxMemoryGiB),
				"Containers are scheduled on hosts with fixed memory sizes; requests outside the range cannot be placed",
				fmt.Sprintf("Set %s.memory between %g and %g; 1.0 to 2.0 suits most services", prefix, l.MinMemoryGiB, l.MaxMemoryGiB))
		}
		if name.NetworkExposed() {
			r.checkVar(prefix+".port", eff.Port, "min=1,max=65535",
				fmt.Sprintf("%s port %d is outside 1 to 65535", name, eff.Port),
				"The port is published so the component can receive traffic and health checks",
				fmt.Sprintf("Set %s.port to the port the application listens on, for example %d", prefix, descriptor.ComponentDefaults[name].Port))
		}
		if name == descriptor.Database {
			r.checkDatabase(prefix, eff)
		}
	}
}

func (r *run) checkDatabase(prefix string, eff descriptor.Effective) {
	l := r.v.limits
	r.checkVar(prefix+".storage_mb", eff.StorageMiB, fmt.Sprintf("gte=%d,lte=%d", l.MinStorageMiB, l.MaxStorageMiB),
		fmt.Sprintf("Database storage of %d MiB is outside %d to %d MiB", eff.StorageMiB, l.MinStorageMiB, l.MaxStorageMiB),
		"Managed databases are provisioned with storage inside the provider's supported range",
		fmt.Sprintf("Set %s.storage_mb between %d and %d; 32768 (32 GiB) is the default", prefix, l.MinStorageMiB, l.MaxStorageMiB))

	types := r.v.pricing.DatabaseTypes()
	if !r.checkVar(prefix+".type", eff.Type, "oneof="+strings.Join(types, " "),
		fmt.Sprintf("Database type %q is not offered", eff.Type),
		"Only engines the platform can provision and price are accepted",
		fmt.Sprintf("Set %s.type to one of: %s", prefix, strings.Join(types, ", "))) {
		return
	}

	tiers := r.v.pricing.DatabaseTierNames(eff.Type)
	r.checkVar(prefix+".tier", eff.Tier, "oneof="+strings.Join(tiers, " "),
		fmt.Sprintf("Database tier %q is not offered for %s", eff.Tier, eff.Type),
		"The tier selects the instance size and availability guarantees; unknown tiers cannot be provisioned",
		fmt.Sprintf("Set %s.tier to one of: %s", prefix, strings.Join(tiers, ", ")))
}

// checkVar validates value against a validator tag and emits a range
// diagnostic on failure. It reports whether the value passed or was skipped.
func (r *run) checkVar(field string, value any, tag, message, why, fix string) bool {
	if r.blocked(field) {
		return true
	}
	if err := r.v.fields.Var(value, tag); err == nil {
		return true
	}
	r.emit(Diagnostic{
		Severity: SeverityError,
		Class:    ClassConfig,
		Rule:     RuleRange,
		Field:    field,
		Message:  message,
		Why:      why,
		Fix:      fix,
	})
	return false
}

func (r *run) checkArtifacts(ctx context.Context) {
	for _, name := range descriptor.ComponentNames {
		if !name.Buildable() || !r.componentActive(name) {
			continue
		}
		field := fmt.Sprintf("components.%s.directory", name)
		if r.blocked(field) {
			continue
		}

		ref := artifactRef(r.d.BuildContext(name), string(name))
		ok, err := r.v.probe.Exists(ctx, ref)
		switch {
		case err != nil:
			r.emit(Diagnostic{
				Severity: SeverityError,
				Class:    ClassConfig,
				Rule:     RuleArtifact,
				Field:    field,
				Message:  fmt.Sprintf("Could not check for the %s Dockerfile: %v", name, err),
				Why:      "Each enabled component is built from its Dockerfile during deployment",
				Fix:      fmt.Sprintf("Make sure %s is readable, then validate again", ref.Dockerfile),
			})
		case !ok:
			rel := r.d.Effective(name).Directory + "/Dockerfile"
			r.emit(Diagnostic{
				Severity: SeverityError,
				Class:    ClassConfig,
				Rule:     RuleArtifact,
				Field:    field,
				Message:  fmt.Sprintf("%s is enabled but %s does not exist", name, rel),
				Why:      "Each enabled component is built from its Dockerfile; without it the image build fails during deployment",
				Fix:      fmt.Sprintf("Create %s or set components.%s.enabled to false", rel, name),
			})
		}
	}
}

func (r *run) checkAdvisory(ctx context.Context) {
	var advisories []Diagnostic

	violations, err := r.v.policies.Evaluate(ctx, r.policyInput())
	if err != nil {
		r.v.logger.Warn().Err(err).Str("app", r.d.App.Name).Msg("Some advisory policies failed to evaluate")
	}
	for _, v := range violations {
		if v.Field == "" || r.blocked(v.Field) {
			continue
		}
		advisories = append(advisories, Diagnostic{
			Severity: SeverityWarning,
			Rule:     RuleAdvisory,
			Field:    v.Field,
			Message:  v.Message,
			Why:      v.Why,
			Fix:      v.Fix,
		})
	}

	team := r.d.App.Team
	if !r.blocked("app.team") && r.snap.Len() > 0 && !r.v.exempt[team] && !r.snap.HasTeam(team) {
		advisories = append(advisories, Diagnostic{
			Severity: SeverityWarning,
			Rule:     RuleAdvisory,
			Field:    "app.team",
			Message:  fmt.Sprintf("Team %q has no registered applications", team),
			Why:      "An unknown team is often a typo, and a misspelled team stores deployment state under a different prefix",
			Fix:      "Check the team name, or ask the platform team to onboard the team before the first deployment",
		})
	}

	sort.SliceStable(advisories, func(i, j int) bool {
		if advisories[i].Field != advisories[j].Field {
			return advisories[i].Field < advisories[j].Field
		}
		return advisories[i].Message < advisories[j].Message
	})
	for _, a := range advisories {
		r.emit(a)
	}
}

func (r *run) policyInput() policy.Input {
	in := policy.Input{
		App:         policy.AppInput{Name: r.d.App.Name, Team: r.d.App.Team},
		Environment: string(r.d.Environment),
		Thresholds: policy.Thresholds{
			CPUCores:  r.v.limits.WarnCPUCores,
			MemoryGiB: r.v.limits.WarnMemoryGiB,
		},
		Prices: policy.Prices{
			CurrencySymbol: r.v.pricing.CurrencySymbol,
			CPUCoreMonth:   r.v.pricing.CPUCoreMonthly(),
			MemoryGiBMonth: r.v.pricing.MemoryGiBMonthly(),
		},
	}
	for _, name := range descriptor.ComponentNames {
		eff := r.d.Effective(name)
		in.Components = append(in.Components, policy.ComponentInput{
			Name:       string(name),
			Enabled:    r.componentActive(name),
			CPUCores:   eff.CPUCores,
			MemoryGiB:  eff.MemoryGiB,
			StorageMiB: eff.StorageMiB,
			Tier:       eff.Tier,
			Type:       eff.Type,
		})
	}
	return in
}
