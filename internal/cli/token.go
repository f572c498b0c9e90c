package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(rt *runtime) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"otp"},
		Short:   "Show dashboard URL with access token",
		Long: `Show the dashboard URL with the running server's access token.

Use this when you've scrolled past the startup message or need to
share the dashboard link.

Example:
  abgate token --server-url https://ab.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(rt.cfg.Auth.TokenFile)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no server running. Start with: abgate serve")
			}
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: abgate serve")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Dashboard: %s/dashboard?token=%s\n", rt.serverURL(serverURL), token)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Tip: Bookmark this URL or run 'abgate token' anytime.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "public server URL (default http://localhost:<port>)")
	return cmd
}
