package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/staticdefs"
	"github.com/ksiegai/abgate/internal/store"
)

func newStaticExportCmd(rt *runtime) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "static-export",
		Short: "Write active test definitions as a static JSON document",
		Long: `Write the active tests in the document format that static.url serves, so
edge deployments can resolve tests without a database round trip.

Test ids are kept, so events recorded against the static document still
join the assignments stored in this database.

Example:
  abgate static-export -o public/abgate-tests.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				tests, err := s.ListTests(ctx)
				if err != nil {
					return fmt.Errorf("failed to list tests: %w", err)
				}
				doc := staticdefs.Build(tests)

				toFile := output != "" && output != "-"
				var w io.Writer = cmd.OutOrStdout()
				if toFile {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", output, err)
					}
					defer f.Close()
					w = f
				}
				if err := staticdefs.Write(w, doc); err != nil {
					return fmt.Errorf("failed to write document: %w", err)
				}
				if toFile {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d active tests to %s\n", len(doc.Tests), output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	return cmd
}
