package cost

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PricingTable is the external price list the estimator consumes.
type PricingTable struct {
	// Currency is the ISO currency code (e.g., "GBP").
	Currency string `yaml:"currency" json:"currency" validate:"required,len=3"`

	// CurrencySymbol prefixes amounts in reports.
	CurrencySymbol string `yaml:"currency_symbol" json:"currency_symbol"`

	// Region is the pricing region the table was taken from.
	Region string `yaml:"region" json:"region"`

	// EffectiveDate documents when the prices were captured.
	EffectiveDate string `yaml:"effective_date" json:"effective_date"`

	// SecondsPerMonth converts per-second prices to monthly prices.
	SecondsPerMonth float64 `yaml:"seconds_per_month" json:"seconds_per_month" validate:"gt=0"`

	// Container holds per-second container prices.
	Container ContainerPricing `yaml:"container" json:"container"`

	// Registry holds the shared image registry price.
	Registry RegistryPricing `yaml:"registry" json:"registry"`

	// Databases maps engine type to its tiers.
	Databases map[string]DatabasePricing `yaml:"databases" json:"databases" validate:"required,dive"`

	// ResourceTiers are the predefined container sizes, smallest first.
	ResourceTiers []ResourceTier `yaml:"resource_tiers" json:"resource_tiers" validate:"required,min=1,dive"`
}

// ContainerPricing is the per-second price of container resources.
type ContainerPricing struct {
	CPUCoreSecond   float64 `yaml:"cpu_core_second" json:"cpu_core_second" validate:"gt=0"`
	MemoryGiBSecond float64 `yaml:"memory_gib_second" json:"memory_gib_second" validate:"gt=0"`
}

// RegistryPricing is the monthly price of the shared image registry and the
// number of applications it is split across.
type RegistryPricing struct {
	Tier         string             `yaml:"tier" json:"tier" validate:"required"`
	Monthly      map[string]float64 `yaml:"monthly" json:"monthly" validate:"required"`
	SharedAcross int                `yaml:"shared_across" json:"shared_across" validate:"gte=1"`
}

// DatabasePricing lists one engine's tiers, cheapest first.
type DatabasePricing struct {
	Tiers []DatabaseTier `yaml:"tiers" json:"tiers" validate:"required,min=1,dive"`
}

// DatabaseTier is the price of one managed database tier.
type DatabaseTier struct {
	Name               string  `yaml:"name" json:"name" validate:"required"`
	BaseMonthly        float64 `yaml:"base_monthly" json:"base_monthly" validate:"gte=0"`
	StoragePerGiBMonth float64 `yaml:"storage_per_gib_month" json:"storage_per_gib_month" validate:"gte=0"`
}

// ResourceTier is a predefined container size.
type ResourceTier struct {
	Name      string  `yaml:"name" json:"name" validate:"required"`
	CPUCores  float64 `yaml:"cpu" json:"cpu" validate:"gt=0"`
	MemoryGiB float64 `yaml:"memory" json:"memory" validate:"gt=0"`
}

// DefaultPricingTable returns the built-in UK South price list (January 2025).
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		Currency:        "GBP",
		CurrencySymbol:  "£",
		Region:          "uksouth",
		EffectiveDate:   "2025-01",
		SecondsPerMonth: 30 * 24 * 60 * 60,
		Container: ContainerPricing{
			CPUCoreSecond:   0.0000125,
			MemoryGiBSecond: 0.0000014,
		},
		Registry: RegistryPricing{
			Tier: "basic",
			Monthly: map[string]float64{
				"basic":    4.22,
				"standard": 16.88,
				"premium":  42.20,
			},
			SharedAcross: 10,
		},
		Databases: map[string]DatabasePricing{
			"postgresql": {Tiers: []DatabaseTier{
				{Name: "basic", BaseMonthly: 21.10, StoragePerGiBMonth: 0.084},
				{Name: "general_purpose", BaseMonthly: 52.75, StoragePerGiBMonth: 0.084},
			}},
			"mysql": {Tiers: []DatabaseTier{
				{Name: "basic", BaseMonthly: 21.10, StoragePerGiBMonth: 0.084},
			}},
		},
		ResourceTiers: []ResourceTier{
			{Name: "xs", CPUCores: 0.25, MemoryGiB: 0.5},
			{Name: "s", CPUCores: 0.5, MemoryGiB: 1.0},
			{Name: "m", CPUCores: 1.0, MemoryGiB: 2.0},
			{Name: "l", CPUCores: 2.0, MemoryGiB: 4.0},
			{Name: "xl", CPUCores: 4.0, MemoryGiB: 8.0},
		},
	}
}

// LoadPricingTable reads a YAML pricing table. Fields absent from the file
// keep their default values.
func LoadPricingTable(path string) (*PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table: %w", err)
	}
	return ParsePricingTable(data)
}

// ParsePricingTable decodes and validates a YAML pricing table.
func ParsePricingTable(data []byte) (*PricingTable, error) {
	table := DefaultPricingTable()
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks the table for missing or non-positive prices.
func (t *PricingTable) Validate() error {
	if err := validator.New().Struct(t); err != nil {
		return fmt.Errorf("invalid pricing table: %w", err)
	}
	if _, ok := t.Registry.Monthly[t.Registry.Tier]; !ok {
		return fmt.Errorf("invalid pricing table: registry tier %q has no price", t.Registry.Tier)
	}
	for i := 1; i < len(t.ResourceTiers); i++ {
		prev, cur := t.ResourceTiers[i-1], t.ResourceTiers[i]
		if cur.CPUCores < prev.CPUCores || cur.MemoryGiB < prev.MemoryGiB {
			return fmt.Errorf("invalid pricing table: resource tier %q is smaller than %q", cur.Name, prev.Name)
		}
	}
	return nil
}

// CPUCoreMonthly is the monthly price of one CPU core.
func (t *PricingTable) CPUCoreMonthly() float64 {
	return t.Container.CPUCoreSecond * t.SecondsPerMonth
}

// MemoryGiBMonthly is the monthly price of one GiB of memory.
func (t *PricingTable) MemoryGiBMonthly() float64 {
	return t.Container.MemoryGiBSecond * t.SecondsPerMonth
}

// DatabaseTypes returns the priced database engines in sorted order.
func (t *PricingTable) DatabaseTypes() []string {
	types := make([]string, 0, len(t.Databases))
	for name := range t.Databases {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// DatabaseTierNames returns the tiers of an engine, cheapest first.
func (t *PricingTable) DatabaseTierNames(engine string) []string {
	pricing, ok := t.Databases[engine]
	if !ok {
		return nil
	}
	names := make([]string, len(pricing.Tiers))
	for i, tier := range pricing.Tiers {
		names[i] = tier.Name
	}
	return names
}

// databaseTier returns the tier and its index. Unknown tiers resolve to the
// cheapest tier with found=false.
func (t *PricingTable) databaseTier(engine, tier string) (DatabaseTier, int, bool, error) {
	pricing, ok := t.Databases[engine]
	if !ok || len(pricing.Tiers) == 0 {
		return DatabaseTier{}, 0, false, fmt.Errorf("%w: database type %q", ErrUnknownPrice, engine)
	}
	for i, candidate := range pricing.Tiers {
		if candidate.Name == tier {
			return candidate, i, true, nil
		}
	}
	return pricing.Tiers[0], 0, false, nil
}
