package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

func newTeardownCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "teardown <descriptor>",
		Short: "Remove an application and everything it deployed",
		Long: `Destroy every resource recorded for an application, delete its deployment
state and archive its registry entry. Archived names cannot be reused.

Only the owning team's descriptor can tear an application down.`,
		Example: `  shipyard teardown --yes apps/demo-api/app.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptor.Load(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to tear down %s/%s without --yes", d.App.Team, d.App.Name)
			}

			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			coord, err := p.coordinator(ctx)
			if err != nil {
				return err
			}
			res, err := coord.Teardown(ctx, d)
			if err != nil {
				return err
			}

			log.Info().
				Str("app", string(res.Key)).
				Int("removed", res.Removed.ToDelete).
				Bool("archived", res.Archived).
				Msg("Application torn down")

			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(res)
			}
			fmt.Fprintf(out, "Removed %d resource(s) for %s", res.Removed.ToDelete, res.Key)
			if res.Archived {
				fmt.Fprint(out, "; registry entry archived")
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the teardown")

	return cmd
}
