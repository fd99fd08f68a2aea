package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/validation"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <descriptor>...",
		Short: "Validate application descriptors",
		Long: `Validate application descriptors against the platform rules.

Rules run in a fixed order and every finding is reported:
  - Shape: required fields and value types
  - Naming: application name format and registry uniqueness
  - Ranges: CPU, memory and storage bounds for enabled components
  - Artifacts: a Dockerfile for every enabled buildable component
  - Advisories: rego policies, high resource requests, unregistered teams

The command exits non-zero when any descriptor has an error.`,
		Example: `  # Validate one descriptor
  shipyard validate apps/demo-api/app.yaml

  # Machine-readable report
  shipyard validate --json apps/*/app.yaml`,
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

			failed := 0
			for _, path := range args {
				_, res, err := validateFile(ctx, v, snap, path)
				if err != nil {
					return err
				}
				p.recordDiagnostics(res)
				if err := writeResult(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.HasErrors() {
					failed++
				}
			}

			log.Debug().Int("descriptors", len(args)).Int("invalid", failed).Msg("Validation finished")
			if failed > 0 {
				return ErrUnsuccessful
			}
			return nil
		},
	}

	return cmd
}

// validateFile loads and validates one descriptor. Unreadable files and
// malformed YAML are errors; everything else is reported as diagnostics.
func validateFile(ctx context.Context, v *validation.Validator, snap *registry.Snapshot, path string) (*descriptor.Descriptor, *validation.Result, error) {
	d, err := descriptor.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, v.Validate(ctx, d, snap), nil
}

func writeResult(w io.Writer, res *validation.Result) error {
	if jsonOutput {
		return res.WriteJSON(w)
	}
	return res.WriteText(w)
}
