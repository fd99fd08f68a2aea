package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/cost"
	"github.com/openfroyo/shipyard/pkg/descriptor"
)

func newEstimateCommand() *cobra.Command {
	var markdown bool

	cmd := &cobra.Command{
		Use:   "estimate <descriptor>",
		Short: "Estimate the monthly cost of an application",
		Long: `Estimate the monthly cost of an application from its descriptor.

Each enabled component is priced from the pricing table (pricing.file, or
the built-in table). The shared image registry is amortized across
applications. Cheaper configurations one tier down are suggested when
available.`,
		Example: `  # Table on stdout
  shipyard estimate apps/shop/app.yaml

  # Markdown for a pull request comment
  shipyard estimate --markdown apps/shop/app.yaml > cost.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptor.Load(args[0])
			if err != nil {
				return err
			}

			p, err := openPlatform(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			table, err := p.pricingTable()
			if err != nil {
				return err
			}
			est, err := cost.NewEstimator(table).Estimate(d)
			if err != nil {
				return err
			}
			p.telemetry.Metrics.SetEstimatedCost(est.App, est.Currency, est.Total)

			out := cmd.OutOrStdout()
			switch {
			case markdown:
				return cost.RenderMarkdown(out, est)
			case jsonOutput:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(est)
			default:
				return writeEstimate(out, est)
			}
		},
	}

	cmd.Flags().BoolVar(&markdown, "markdown", false, "render a Markdown report")

	return cmd
}

func writeEstimate(w io.Writer, est *cost.Estimate) error {
	money := func(v float64) string { return fmt.Sprintf("%s%.2f", est.CurrencySymbol, v) }

	fmt.Fprintf(w, "Cost estimate for %s (team %s, %s)\n\n", est.App, est.Team, est.Environment)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tKIND\tCONFIGURATION\tMONTHLY")
	for _, item := range append(append([]cost.LineItem(nil), est.LineItems...), est.SharedRegistry) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Component, item.ResourceKind, item.Configuration, money(item.MonthlyCost))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nTotal: %s/month (%s/year)\n", money(est.Total), money(est.Annual()))
	for _, s := range est.Suggestions {
		fmt.Fprintf(w, "Suggestion: %s\n", s.Message)
	}
	return nil
}
