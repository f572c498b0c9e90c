package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/stats"
	"github.com/ksiegai/abgate/internal/store"
)

func newResultsCmd(rt *runtime) *cobra.Command {
	var (
		goal   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "results <key>",
		Short: "Show detailed results for a test",
		Long: `Show conversion rates and confidence intervals per variant. The primary
goal is used unless --goal names another one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				test, err := getTest(ctx, s, args[0])
				if err != nil {
					return err
				}
				g := goal
				if g == "" {
					g = test.PrimaryGoal
				}
				counts, err := s.GetVariantStats(ctx, test.ID, g)
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}

				result := stats.Analyze(test, g, counts)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(result)
				}
				printResults(cmd, test, result)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "conversion goal to report on")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printResults(cmd *cobra.Command, test *store.Test, result *stats.Result) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "TEST: %s\n", test.Key)
	fmt.Fprintf(out, "PAGE: %s\n", test.PagePath)
	fmt.Fprintf(out, "STATUS: %s\n", test.Status)
	if result.Goal != "" {
		fmt.Fprintf(out, "GOAL: %s\n", result.Goal)
	}
	fmt.Fprintf(out, "CREATED: %s\n", test.CreatedAt.Format("2006-01-02"))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VARIANT           ASSIGNED  VIEWS    CONVERSIONS  RATE     95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 70))

	for _, v := range result.Variants {
		indicator := ""
		if v.ID == result.LeadingVariant && len(result.Variants) > 1 {
			indicator = " ← LEADING"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Exposures() == 0 {
			ciStr = "N/A"
		}

		name := v.ID
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-8d  %-7d  %-11d  %-7s  %s%s\n",
			name,
			v.Assignments,
			v.Views,
			v.Conversions,
			formatPercent(v.Rate),
			ciStr,
			indicator,
		)
	}

	fmt.Fprintln(out)

	if len(result.Variants) > 1 && result.LeadingVariant != "" {
		confPct := result.ConfidenceLevel * 100
		switch {
		case result.Confident:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", confPct, result.LeadingVariant)
		case confPct >= 90:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" leads (not yet significant)\n", confPct, result.LeadingVariant)
		default:
			fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
		}
	}
}
