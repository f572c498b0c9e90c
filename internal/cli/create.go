package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newCreateCmd(rt *runtime) *cobra.Command {
	var (
		name           string
		page           string
		variants       string
		allocation     float64
		goal           string
		secondaryGoals []string
		selection      string
		status         string
	)

	cmd := &cobra.Command{
		Use:   "create <key>",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test on a page. Variants are "id[:weight]" pairs;
weights are relative and default to 1.

Examples:
  abgate create hero --page / --variants "control,bold"
  abgate create pricing --page /pricing --variants "control:80,annual:20" --goal checkout --status active
  abgate create cta --page / --variants "a,b" --selection alternate --allocation 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := parseVariants(variants)
			if err != nil {
				return err
			}
			st, ok := store.ParseStatus(status)
			if !ok {
				return fmt.Errorf("invalid status %q (draft, active, paused or completed)", status)
			}

			t := &store.Test{
				Key:               args[0],
				Name:              name,
				PagePath:          page,
				Status:            st,
				TrafficAllocation: allocation,
				Variants:          vs,
				PrimaryGoal:       goal,
				SecondaryGoals:    secondaryGoals,
				Selection:         store.Selection(selection),
			}

			return rt.withStore(cmd.Context(), func(s store.Backend) error {
				test, err := s.CreateTest(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created test '%s' on %s (%s) with %d variants:\n", test.Key, test.PagePath, test.Status, len(test.Variants))
				for _, v := range test.Variants {
					fmt.Fprintf(out, "  %s  weight %g\n", v.ID, v.Weight)
				}
				if test.TrafficAllocation < 1 {
					fmt.Fprintf(out, "  Traffic: %.0f%%\n", test.TrafficAllocation*100)
				}
				if test.PrimaryGoal != "" {
					fmt.Fprintf(out, "  Goal: %s\n", test.PrimaryGoal)
				}
				if test.Status != store.StatusActive {
					fmt.Fprintf(out, "\nStart it with: abgate status %s active\n", test.Key)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the key)")
	cmd.Flags().StringVar(&page, "page", "/", "page path the test runs on")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated id[:weight] list (required)")
	cmd.Flags().Float64Var(&allocation, "allocation", 1, "share of sessions in the test (0-1)")
	cmd.Flags().StringVar(&goal, "goal", "", "primary conversion goal")
	cmd.Flags().StringSliceVar(&secondaryGoals, "secondary-goal", nil, "additional goals to report on")
	cmd.Flags().StringVar(&selection, "selection", string(store.SelectionWeighted), "weighted or alternate")
	cmd.Flags().StringVar(&status, "status", string(store.StatusDraft), "initial status")
	_ = cmd.MarkFlagRequired("variants")

	return cmd
}
