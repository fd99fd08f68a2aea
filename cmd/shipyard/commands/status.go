package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		events int
	)

	cmd := &cobra.Command{
		Use:   "status <team>/<app>",
		Short: "Show an application's deployment state",
		Long: `Show the persisted deployment state of an application: current phase,
last successful phase, revision, outputs and the last error if the rollout
failed. With --events, the most recent journal entries are listed too.`,
		Example: `  # Current state
  shipyard status demo/demo-api

  # State plus the last 20 journal entries
  shipyard status --events 20 demo/demo-api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := state.ParseKey(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			st, err := p.loadState(ctx, key)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no deployment state for %s", key)
			}

			var journal []*stores.Event
			if events > 0 {
				all, err := p.db.GetEvents(ctx, stores.EventQuery{StateKey: string(key)})
				if err != nil {
					return err
				}
				if len(all) > events {
					all = all[len(all)-events:]
				}
				journal = all
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					State  *state.DeploymentState `json:"state"`
					Events []*stores.Event        `json:"events,omitempty"`
				}{st, journal})
			}
			return writeStatus(out, st, journal)
		},
	}

	cmd.Flags().IntVar(&events, "events", 0, "show the last N journal entries")

	return cmd
}

func writeStatus(w io.Writer, st *state.DeploymentState, journal []*stores.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Application:\t%s\n", st.Key)
	fmt.Fprintf(tw, "Environment:\t%s\n", st.Environment)
	fmt.Fprintf(tw, "Phase:\t%s\n", st.Phase)
	fmt.Fprintf(tw, "Last successful phase:\t%s\n", st.LastSuccessfulPhase)
	fmt.Fprintf(tw, "Revision:\t%s\n", st.Revision)
	fmt.Fprintf(tw, "Infrastructure:\t%s\n", map[bool]string{true: "exists", false: "none"}[st.InfrastructureExists()])
	fmt.Fprintf(tw, "Updated:\t%s\n", st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	names := make([]string, 0, len(st.Outputs))
	for name := range st.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "Output %s:\t%s\n", name, st.Outputs[name])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if e := st.LastError; e != nil {
		fmt.Fprintf(w, "\nLast error (%s during %s): %s\n", e.Kind, e.Phase, e.Message)
		if e.Fix != "" {
			fmt.Fprintf(w, "Fix: %s\n", e.Fix)
		}
		if e.Output != "" {
			fmt.Fprintf(w, "--- tool output ---\n%s\n", e.Output)
		}
	}

	if len(journal) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tLEVEL\tPHASE\tMESSAGE")
		for _, e := range journal {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05"), e.Level, e.Phase, e.Message)
		}
		return tw.Flush()
	}
	return nil
}
