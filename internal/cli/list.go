package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tests",
		Long:  `List all A/B tests with their status and statistics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				tests, err := s.ListTests(ctx)
				if err != nil {
					return fmt.Errorf("failed to list tests: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(tests) == 0 {
					fmt.Fprintln(out, "No tests yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, `  abgate create hero --page / --variants "control,bold" --status active`)
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tPAGE\tSTATUS\tVARIANTS\tTRAFFIC\tASSIGNED\tVIEWS\tCONVERSIONS\tCREATED")
				for _, test := range tests {
					stats, err := s.GetVariantStats(ctx, test.ID, test.PrimaryGoal)
					if err != nil {
						return fmt.Errorf("failed to get stats for test %s: %w", test.Key, err)
					}

					assigned, views, conversions := 0, 0, 0
					for _, stat := range stats {
						assigned += stat.Assignments
						views += stat.Views
						conversions += stat.Conversions
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\t%s\t%s\t%s\t%s\n",
						test.Key,
						test.PagePath,
						strings.ToUpper(string(test.Status)),
						len(test.Variants),
						test.TrafficAllocation*100,
						formatNumber(assigned),
						formatNumber(views),
						formatNumber(conversions),
						test.CreatedAt.Format("2006-01-02"),
					)
				}
				return w.Flush()
			})
		},
	}
}
