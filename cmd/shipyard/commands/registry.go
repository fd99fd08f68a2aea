package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/registry"
)

func newRegistryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage the application registry",
		Long: `Commands for the application registry.

Every deployable application has a registry entry that reserves its name for
the owning team. Entries move between active and inactive and end archived.`,
	}

	cmd.AddCommand(newRegistryListCommand())
	cmd.AddCommand(newRegistryImportCommand())
	cmd.AddCommand(newRegistryExportCommand())
	cmd.AddCommand(newRegistrySetStatusCommand())

	return cmd
}

func newRegistryListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered applications",
		Example: `  # Active applications
  shipyard registry list

  # Every entry, archived included
  shipyard registry list --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			var entries []registry.Entry
			if all {
				snap, err := p.db.Snapshot(ctx)
				if err != nil {
					return err
				}
				entries = snap.Entries()
			} else {
				entries, err = p.db.ListActive(ctx)
				if err != nil {
					return err
				}
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include inactive and archived entries")

	return cmd
}

func writeEntries(w io.Writer, entries []registry.Entry) error {
	if jsonOutput {
		if entries == nil {
			entries = []registry.Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTEAM\tSTATUS\tENVIRONMENT\tCREATED\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Name, e.Team, e.Status, e.Environment, e.CreatedDate.Format("2006-01-02"), e.Path)
	}
	return tw.Flush()
}

func newRegistryImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a registry document",
		Long: `Import entries from a YAML registry document. Entries already registered to
the same team are left unchanged; a name held by another team is an error.`,
		Example: `  shipyard registry import platform/registry.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open registry document: %w", err)
			}
			defer f.Close()

			entries, err := registry.ParseDocument(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			n, err := p.db.ImportDocument(ctx, &registry.Document{Apps: entries})
			if err != nil {
				return err
			}
			log.Info().Int("imported", n).Int("entries", len(entries)).Msg("Registry document imported")
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d entries\n", n, len(entries))
			return nil
		},
	}

	return cmd
}

func newRegistryExportCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the registry as a YAML document",
		Example: `  shipyard registry export --out registry.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			snap, err := p.db.Snapshot(ctx)
			if err != nil {
				return err
			}

			if outFile == "" {
				return registry.WriteDocument(cmd.OutOrStdout(), snap.Entries())
			}
			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := registry.WriteDocument(f, snap.Entries()); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")

	return cmd
}

func newRegistrySetStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <name> <active|inactive|archived>",
		Short: "Change an application's registry status",
		Example: `  # Pause an application
  shipyard registry set-status demo-api inactive`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := registry.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}

			ctx := cmd.Context()
			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			entry, err := registry.SetStatus(ctx, p.db, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", entry.Name, entry.Status)
			return nil
		},
	}

	return cmd
}
