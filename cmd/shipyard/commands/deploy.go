package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/deploy"
	"github.com/openfroyo/shipyard/pkg/state"
)

func newDeployCommand() *cobra.Command {
	var (
		restart      bool
		skipValidate bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <descriptor>...",
		Short: "Roll applications out",
		Long: `Roll one or more applications out to the container runtime.

Each descriptor is validated first; invalid descriptors are reported and not
deployed. Valid applications deploy in parallel (deploy.parallelism), each in
its own failure domain. A repeated deploy of a revision that is already
healthy does nothing. A failed rollout resumes from its last successful phase
unless --restart is given.

The command exits non-zero unless every application ends HealthVerified.`,
		Example: `  # Deploy one application
  shipyard deploy apps/demo-api/app.yaml

  # Deploy everything, starting failed rollouts over
  shipyard deploy --restart apps/*/app.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			v, err := p.validator(ctx)
			if err != nil {
				return err
			}
			snap, err := p.db.Snapshot(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			var reqs []deploy.Request
			for _, path := range args {
				d, res, err := validateFile(ctx, v, snap, path)
				if err != nil {
					return err
				}
				p.recordDiagnostics(res)
				if res.HasErrors() && !skipValidate {
					invalid++
					if err := writeResult(out, res); err != nil {
						return err
					}
					continue
				}
				reqs = append(reqs, deploy.Request{Descriptor: d, Restart: restart})
			}

			var outcomes []deploy.Outcome
			if len(reqs) > 0 {
				coord, err := p.coordinator(ctx)
				if err != nil {
					return err
				}
				outcomes = p.runner(coord).Run(ctx, reqs)
			}

			if err := writeOutcomes(out, outcomes); err != nil {
				return err
			}

			healthy := 0
			for _, o := range outcomes {
				if o.Healthy() {
					healthy++
				}
			}
			log.Info().
				Int("requested", len(args)).
				Int("invalid", invalid).
				Int("healthy", healthy).
				Msg("Deploy finished")

			if invalid > 0 || healthy < len(outcomes) {
				return ErrUnsuccessful
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "start failed rollouts from the beginning")
	cmd.Flags().BoolVar(&skipValidate, "skip-validation", false, "deploy even when validation reports errors")

	return cmd
}

type outcomeView struct {
	App      string            `json:"app"`
	Phase    state.Phase       `json:"phase,omitempty"`
	Revision string            `json:"revision,omitempty"`
	Healthy  bool              `json:"healthy"`
	Attempts int               `json:"attempts"`
	Kind     deploy.ErrorKind  `json:"error_kind,omitempty"`
	Error    string            `json:"error,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

func viewOutcome(o deploy.Outcome) outcomeView {
	v := outcomeView{
		App:      string(o.Key),
		Healthy:  o.Healthy(),
		Attempts: o.Attempts,
	}
	if o.State != nil {
		v.Phase = o.State.Phase
		v.Revision = o.State.Revision
		v.Outputs = o.State.Outputs
	}
	if o.Err != nil {
		v.Kind = deploy.KindOf(o.Err)
		v.Error = o.Err.Error()
	}
	return v
}

func writeOutcomes(w io.Writer, outcomes []deploy.Outcome) error {
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		views = append(views, viewOutcome(o))
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(views) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tPHASE\tATTEMPTS\tRESULT")
	for _, v := range views {
		result := "healthy"
		if !v.Healthy {
			result = "failed"
			if v.Kind != "" {
				result = string(v.Kind)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", v.App, v.Phase, v.Attempts, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, v := range views {
		if v.Error != "" {
			fmt.Fprintf(w, "\n%s\n", v.Error)
		}
	}
	return nil
}
