package cost

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

func demoDescriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		App:         descriptor.App{Name: "demo-api", Team: "demo"},
		Environment: descriptor.EnvironmentDev,
		Components: descriptor.Components{
			Backend: descriptor.ComponentSpec{
				Enabled:   descriptor.Bool(true),
				CPUCores:  descriptor.Float(0.5),
				MemoryGiB: descriptor.Float(1.0),
			},
			Frontend: descriptor.ComponentSpec{Enabled: descriptor.Bool(false)},
			Database: descriptor.ComponentSpec{Enabled: descriptor.Bool(false)},
		},
	}
}

func TestEstimate_Demo(t *testing.T) {
	est, err := NewEstimator(nil).Estimate(demoDescriptor())
	require.NoError(t, err)

	require.Len(t, est.LineItems, 1)
	item := est.LineItems[0]
	assert.Equal(t, "backend", item.Component)
	assert.Equal(t, KindContainerInstance, item.ResourceKind)
	assert.InDelta(t, 19.83, item.MonthlyCost, 1e-9)
	assert.NotEmpty(t, item.Rationale)

	assert.InDelta(t, 0.42, est.SharedRegistry.MonthlyCost, 1e-9)
	assert.InDelta(t, 20.25, est.Total, 1e-9)
	assert.Greater(t, est.Total, 0.0)

	require.Len(t, est.Suggestions, 1)
	s := est.Suggestions[0]
	assert.Equal(t, "s", s.FromTier)
	assert.Equal(t, "xs", s.ToTier)
	assert.InDelta(t, 9.92, s.MonthlySavings, 1e-9)
}

func TestEstimate_Database(t *testing.T) {
	d := demoDescriptor()
	d.Components.Database = descriptor.ComponentSpec{
		Enabled:    descriptor.Bool(true),
		Tier:       "General Purpose",
		StorageMiB: descriptor.Int(65536),
	}

	est, err := NewEstimator(nil).Estimate(d)
	require.NoError(t, err)
	require.Len(t, est.LineItems, 2)

	db := est.LineItems[1]
	assert.Equal(t, "postgresql-database", db.ResourceKind)
	// 52.75 base + 64 GiB * 0.084
	assert.InDelta(t, 58.13, db.MonthlyCost, 1e-9)

	var dbSuggestion *Suggestion
	for i := range est.Suggestions {
		if est.Suggestions[i].Component == "database" {
			dbSuggestion = &est.Suggestions[i]
		}
	}
	require.NotNil(t, dbSuggestion)
	assert.Equal(t, "basic", dbSuggestion.ToTier)
	assert.InDelta(t, 31.65, dbSuggestion.MonthlySavings, 1e-9)
}

func TestEstimate_UnknownTierFallsBack(t *testing.T) {
	d := demoDescriptor()
	d.Components.Database = descriptor.ComponentSpec{Enabled: descriptor.Bool(true), Type: "mysql", Tier: "general_purpose"}

	est, err := NewEstimator(nil).Estimate(d)
	require.NoError(t, err)
	db := est.LineItems[1]
	assert.Contains(t, db.Rationale, "not priced")
	for _, s := range est.Suggestions {
		assert.NotEqual(t, "database", s.Component, "cheapest tier has no lower tier")
	}
}

func TestEstimate_UnknownEngine(t *testing.T) {
	d := demoDescriptor()
	d.Components.Database = descriptor.ComponentSpec{Enabled: descriptor.Bool(true), Type: "oracle"}

	_, err := NewEstimator(nil).Estimate(d)
	assert.True(t, errors.Is(err, ErrUnknownPrice), "got %v", err)
}

func TestEstimate_NoSuggestionAtSmallestTier(t *testing.T) {
	d := demoDescriptor()
	d.Components.Backend.CPUCores = descriptor.Float(0.25)
	d.Components.Backend.MemoryGiB = descriptor.Float(0.5)

	est, err := NewEstimator(nil).Estimate(d)
	require.NoError(t, err)
	assert.Empty(t, est.Suggestions)
}

func TestEstimate_Monotonic(t *testing.T) {
	estimator := NewEstimator(nil)
	steps := []float64{0.25, 0.3, 0.5, 0.75, 1, 1.5, 2, 2.5, 3, 3.5, 4}

	for _, component := range []descriptor.ComponentName{descriptor.Backend, descriptor.Frontend} {
		for _, field := range []string{"cpu", "memory"} {
			prev := -1.0
			for _, v := range steps {
				d := demoDescriptor()
				d.Components.Frontend = descriptor.ComponentSpec{Enabled: descriptor.Bool(true)}
				spec := &d.Components.Backend
				if component == descriptor.Frontend {
					spec = &d.Components.Frontend
				}
				if field == "cpu" {
					spec.CPUCores = descriptor.Float(v)
				} else {
					spec.MemoryGiB = descriptor.Float(v * 2)
				}

				est, err := estimator.Estimate(d)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, est.Total, prev, "%s %s=%v decreased the total", component, field, v)
				prev = est.Total
			}
		}
	}

	prev := -1.0
	for _, storage := range []int{5120, 10240, 32768, 65536, 131072} {
		d := demoDescriptor()
		d.Components.Database = descriptor.ComponentSpec{Enabled: descriptor.Bool(true), StorageMiB: descriptor.Int(storage)}
		est, err := estimator.Estimate(d)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, est.Total, prev)
		prev = est.Total
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	d := demoDescriptor()
	d.Components.Database = descriptor.ComponentSpec{Enabled: descriptor.Bool(true), Tier: "general_purpose"}
	estimator := NewEstimator(nil)

	render := func() string {
		est, err := estimator.Estimate(d)
		require.NoError(t, err)
		data, err := json.Marshal(est)
		require.NoError(t, err)
		var md bytes.Buffer
		require.NoError(t, RenderMarkdown(&md, est))
		return string(data) + md.String()
	}

	first := render()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, render())
	}
}

func TestRenderMarkdown(t *testing.T) {
	est, err := NewEstimator(nil).Estimate(demoDescriptor())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderMarkdown(&buf, est))
	out := buf.String()

	assert.Contains(t, out, "Monthly cost estimate for demo-api: £20.25")
	assert.Contains(t, out, "| backend | container-instance | £19.83 |")
	assert.Contains(t, out, "Annual cost: £243.00")
	assert.True(t, strings.Contains(out, "#### Savings"))
}

func TestParsePricingTable(t *testing.T) {
	table, err := ParsePricingTable([]byte(`
currency: EUR
currency_symbol: "€"
container:
  cpu_core_second: 0.00002
`))
	require.NoError(t, err)
	assert.Equal(t, "EUR", table.Currency)
	assert.InDelta(t, 0.00002, table.Container.CPUCoreSecond, 1e-12)
	assert.InDelta(t, 0.0000014, table.Container.MemoryGiBSecond, 1e-12, "unset fields keep defaults")

	_, err = ParsePricingTable([]byte("container:\n  cpu_core_second: -1\n"))
	assert.Error(t, err)

	_, err = ParsePricingTable([]byte("registry:\n  tier: platinum\n"))
	assert.Error(t, err)
}
