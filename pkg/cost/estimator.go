package cost

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

// ErrUnknownPrice is returned when the pricing table has no entry for a
// requested resource.
var ErrUnknownPrice = errors.New("no price for resource")

// Resource kinds reported on line items.
const (
	KindContainerInstance = "container-instance"
	KindContainerRegistry = "container-registry"
	KindDatabaseSuffix    = "-database"
)

// Part is one priced element of a line item.
type Part struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// LineItem is the monthly cost of one component.
type LineItem struct {
	Component     string  `json:"component"`
	ResourceKind  string  `json:"resource_kind"`
	Configuration string  `json:"configuration"`
	MonthlyCost   float64 `json:"monthly_cost"`
	Breakdown     []Part  `json:"breakdown"`
	Rationale     string  `json:"rationale"`
}

// Suggestion is a cheaper configuration one tier down.
type Suggestion struct {
	Component      string  `json:"component"`
	FromTier       string  `json:"from_tier"`
	ToTier         string  `json:"to_tier"`
	CurrentMonthly float64 `json:"current_monthly"`
	NewMonthly     float64 `json:"new_monthly"`
	MonthlySavings float64 `json:"monthly_savings"`
	Message        string  `json:"message"`
}

// Estimate is the cost breakdown of one descriptor.
type Estimate struct {
	App            string       `json:"app"`
	Team           string       `json:"team"`
	Environment    string       `json:"environment"`
	Currency       string       `json:"currency"`
	CurrencySymbol string       `json:"currency_symbol"`
	LineItems      []LineItem   `json:"line_items"`
	SharedRegistry LineItem     `json:"shared_registry"`
	Total          float64      `json:"total"`
	Suggestions    []Suggestion `json:"suggestions"`
}

// Annual returns the total projected over twelve months.
func (e *Estimate) Annual() float64 {
	return round2(e.Total * 12)
}

// Estimator prices descriptors against a pricing table.
type Estimator struct {
	table *PricingTable
}

// NewEstimator creates an estimator. A nil table selects the defaults.
func NewEstimator(table *PricingTable) *Estimator {
	if table == nil {
		table = DefaultPricingTable()
	}
	return &Estimator{table: table}
}

// Table returns the pricing table in use.
func (e *Estimator) Table() *PricingTable {
	return e.table
}

// Estimate prices every enabled component of d plus the application's share
// of the image registry.
func (e *Estimator) Estimate(d *descriptor.Descriptor) (*Estimate, error) {
	est := &Estimate{
		App:            d.App.Name,
		Team:           d.App.Team,
		Environment:    string(d.Environment),
		Currency:       e.table.Currency,
		CurrencySymbol: e.table.CurrencySymbol,
		LineItems:      []LineItem{},
		Suggestions:    []Suggestion{},
	}

	for _, name := range d.EnabledComponents() {
		eff := d.Effective(name)
		if name == descriptor.Database {
			item, suggestion, err := e.database(eff)
			if err != nil {
				return nil, err
			}
			est.LineItems = append(est.LineItems, item)
			if suggestion != nil {
				est.Suggestions = append(est.Suggestions, *suggestion)
			}
			continue
		}

		item := e.container(eff)
		est.LineItems = append(est.LineItems, item)
		if suggestion := e.containerSuggestion(eff, item.MonthlyCost); suggestion != nil {
			est.Suggestions = append(est.Suggestions, *suggestion)
		}
	}

	est.SharedRegistry = e.registry()

	total := est.SharedRegistry.MonthlyCost
	for _, item := range est.LineItems {
		total += item.MonthlyCost
	}
	est.Total = round2(total)

	return est, nil
}

func (e *Estimator) containerMonthly(cpu, memory float64) (cpuCost, memCost float64) {
	return round2(cpu * e.table.CPUCoreMonthly()), round2(memory * e.table.MemoryGiBMonthly())
}

func (e *Estimator) container(eff descriptor.Effective) LineItem {
	cpuCost, memCost := e.containerMonthly(eff.CPUCores, eff.MemoryGiB)

	config := fmt.Sprintf("%s CPU cores, %s GiB memory", formatQuantity(eff.CPUCores), formatQuantity(eff.MemoryGiB))
	if eff.Port > 0 {
		config += fmt.Sprintf(", port %d", eff.Port)
	}

	rationale := "Always-on container charged per second of runtime for its CPU and memory allocation."
	switch eff.Name {
	case descriptor.Backend:
		rationale = "Always-on container running the backend API, charged per second of runtime for its CPU and memory allocation."
	case descriptor.Frontend:
		rationale = "Always-on container serving the web UI, charged per second of runtime for its CPU and memory allocation."
	}

	return LineItem{
		Component:     string(eff.Name),
		ResourceKind:  KindContainerInstance,
		Configuration: config,
		MonthlyCost:   round2(cpuCost + memCost),
		Breakdown: []Part{
			{Label: "CPU", Amount: cpuCost},
			{Label: "Memory", Amount: memCost},
		},
		Rationale: rationale,
	}
}

// containerSuggestion maps the allocation to the smallest predefined tier that
// fits it and prices the tier below.
func (e *Estimator) containerSuggestion(eff descriptor.Effective, current float64) *Suggestion {
	tiers := e.table.ResourceTiers
	idx := len(tiers)
	for i, tier := range tiers {
		if tier.CPUCores+1e-9 >= eff.CPUCores && tier.MemoryGiB+1e-9 >= eff.MemoryGiB {
			idx = i
			break
		}
	}
	if idx == 0 {
		return nil
	}

	from := "custom"
	if idx < len(tiers) {
		from = tiers[idx].Name
	}
	lower := tiers[idx-1]
	cpuCost, memCost := e.containerMonthly(lower.CPUCores, lower.MemoryGiB)
	next := round2(cpuCost + memCost)
	savings := round2(current - next)
	if savings <= 0 {
		return nil
	}

	return &Suggestion{
		Component:      string(eff.Name),
		FromTier:       from,
		ToTier:         lower.Name,
		CurrentMonthly: current,
		NewMonthly:     next,
		MonthlySavings: savings,
		Message: fmt.Sprintf("Reduce %s to %s CPU cores and %s GiB memory (tier %s) to save %s%.2f/month (new cost %s%.2f/month). Check that the application still performs well.",
			eff.Name, formatQuantity(lower.CPUCores), formatQuantity(lower.MemoryGiB), lower.Name,
			e.table.CurrencySymbol, savings, e.table.CurrencySymbol, next),
	}
}

func (e *Estimator) database(eff descriptor.Effective) (LineItem, *Suggestion, error) {
	tier, idx, found, err := e.table.databaseTier(eff.Type, eff.Tier)
	if err != nil {
		return LineItem{}, nil, err
	}

	storageGiB := float64(eff.StorageMiB) / 1024
	base := round2(tier.BaseMonthly)
	storage := round2(storageGiB * tier.StoragePerGiBMonth)
	monthly := round2(base + storage)

	rationale := "Managed database with automated backups and patching, priced per instance tier plus provisioned storage."
	if !found {
		rationale += fmt.Sprintf(" Tier %q is not priced for %s; estimated at the %s tier.", eff.Tier, eff.Type, tier.Name)
	}

	item := LineItem{
		Component:     string(descriptor.Database),
		ResourceKind:  eff.Type + KindDatabaseSuffix,
		Configuration: fmt.Sprintf("%s tier, %.0f GiB storage", tierTitle(tier.Name), storageGiB),
		MonthlyCost:   monthly,
		Breakdown: []Part{
			{Label: "Instance", Amount: base},
			{Label: "Storage", Amount: storage},
		},
		Rationale: rationale,
	}

	if idx == 0 {
		return item, nil, nil
	}
	lower := e.table.Databases[eff.Type].Tiers[idx-1]
	next := round2(round2(lower.BaseMonthly) + round2(storageGiB*lower.StoragePerGiBMonth))
	savings := round2(monthly - next)
	if savings <= 0 {
		return item, nil, nil
	}
	return item, &Suggestion{
		Component:      string(descriptor.Database),
		FromTier:       tier.Name,
		ToTier:         lower.Name,
		CurrentMonthly: monthly,
		NewMonthly:     next,
		MonthlySavings: savings,
		Message: fmt.Sprintf("Move the database to the %s tier to save %s%.2f/month (new cost %s%.2f/month). Lower tiers trade away availability guarantees.",
			tierTitle(lower.Name), e.table.CurrencySymbol, savings, e.table.CurrencySymbol, next),
	}, nil
}

func (e *Estimator) registry() LineItem {
	full := e.table.Registry.Monthly[e.table.Registry.Tier]
	share := round2(full / float64(e.table.Registry.SharedAcross))
	return LineItem{
		Component:     "registry",
		ResourceKind:  KindContainerRegistry,
		Configuration: fmt.Sprintf("%s tier, shared across %d applications", tierTitle(e.table.Registry.Tier), e.table.Registry.SharedAcross),
		MonthlyCost:   share,
		Breakdown: []Part{
			{Label: "Registry share", Amount: share},
		},
		Rationale: fmt.Sprintf("Stores the application's images. The registry costs %s%.2f/month and is shared by all platform applications.", e.table.CurrencySymbol, full),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatQuantity prints 0.5 as "0.5" and 2 as "2".
func formatQuantity(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

func tierTitle(tier string) string {
	words := strings.Split(tier, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
