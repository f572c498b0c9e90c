package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newWinnerCmd(rt *runtime) *cobra.Command {
	var variantID string

	cmd := &cobra.Command{
		Use:   "winner <key>",
		Short: "Declare a winner for a test",
		Long: `Declare a winning variant and complete the test. Completed tests stop
assigning, so ship the winning variant to every visitor afterwards.

Example:
  abgate winner hero --variant bold`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				test, err := getTest(ctx, s, args[0])
				if err != nil {
					return err
				}
				if test.Status == store.StatusCompleted || test.Status == store.StatusDraft {
					return fmt.Errorf("test has not been running (current status: %s)", test.Status)
				}

				if variantID == "" {
					if variantID, err = selectVariant(test, "Winning variant"); err != nil {
						return err
					}
				}
				winner := test.Variant(variantID)
				if winner == nil {
					return fmt.Errorf("unknown variant %q for test %s", variantID, test.Key)
				}

				if err := s.UpdateTestStatus(ctx, test.Key, store.StatusCompleted); err != nil {
					return fmt.Errorf("failed to complete test: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Declared winner for test '%s': %s (\"%s\")\n", test.Key, winner.ID, winner.Name)
				fmt.Fprintln(out, "Test has been marked as completed.")
				fmt.Fprintf(out, "\nShip %q on %s to every visitor and remove the test markup.\n", winner.Name, test.PagePath)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&variantID, "variant", "", "winning variant id (prompted when omitted)")
	return cmd
}
