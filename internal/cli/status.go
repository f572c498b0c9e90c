package cli

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newStatusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status <key> <draft|active|paused|completed>",
		Short: "Change a test's status",
		Long: `Change a test's status. Only active tests assign new visitors; pausing
keeps existing assignments for when the test resumes.

Example:
  abgate status hero active`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := store.ParseStatus(args[1])
			if !ok {
				return fmt.Errorf("invalid status %q (draft, active, paused or completed)", args[1])
			}
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				if _, err := getTest(ctx, s, args[0]); err != nil {
					return err
				}
				if err := s.UpdateTestStatus(ctx, args[0], status); err != nil {
					return fmt.Errorf("failed to update status: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' is now %s\n", args[0], status)
				return nil
			})
		},
	}
}

func newDeleteCmd(rt *runtime) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a test with its assignments and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Delete '%s' and all of its data", args[0]),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				if _, err := getTest(ctx, s, args[0]); err != nil {
					return err
				}
				if err := s.DeleteTest(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to delete test: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test '%s'\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
