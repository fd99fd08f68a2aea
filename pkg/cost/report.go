package cost

import (
	"fmt"
	"io"
	"strings"
)

// RenderMarkdown writes the estimate as a Markdown report suitable for a pull
// request comment.
func RenderMarkdown(w io.Writer, est *Estimate) error {
	sym := est.CurrencySymbol
	money := func(v float64) string { return fmt.Sprintf("%s%.2f", sym, v) }

	var b strings.Builder
	fmt.Fprintf(&b, "### Monthly cost estimate for %s: %s\n\n", est.App, money(est.Total))
	b.WriteString("| Resource | Kind | Cost | Configuration | Why |\n")
	b.WriteString("|----------|------|------|---------------|-----|\n")

	items := append(append([]LineItem(nil), est.LineItems...), est.SharedRegistry)
	for _, item := range items {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			item.Component, item.ResourceKind, money(item.MonthlyCost), item.Configuration, item.Rationale)
	}

	b.WriteString("\n#### Breakdown\n\n")
	for _, item := range items {
		parts := make([]string, 0, len(item.Breakdown))
		for _, p := range item.Breakdown {
			parts = append(parts, fmt.Sprintf("%s: %s/month", p.Label, money(p.Amount)))
		}
		fmt.Fprintf(&b, "- **%s:** %s\n", item.Component, strings.Join(parts, " + "))
	}

	if len(est.Suggestions) > 0 {
		b.WriteString("\n#### Savings\n\n")
		for _, s := range est.Suggestions {
			fmt.Fprintf(&b, "- **%s:** %s\n", s.Component, s.Message)
		}
	}

	fmt.Fprintf(&b, "\n**Total estimated monthly cost: %s**\n\n", money(est.Total))
	b.WriteString("#### Annual projection\n\n")
	fmt.Fprintf(&b, "- Annual cost: %s\n\n", money(est.Annual()))
	b.WriteString("#### Notes\n\n")
	b.WriteString("- Outbound data transfer and actual container uptime are not included.\n")
	b.WriteString("- Consider destroying dev and test environments when they are not in use.\n")

	_, err := io.WriteString(w, b.String())
	return err
}
