package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/server"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the abgate HTTP server.

The server provides:
  - /ab.js and the assignment endpoint for pages
  - Tracking beacons for views, scroll depth, time on page and conversions
  - The auth relay for the application subdomain
  - Dashboard and results API (token protected)

Example:
  abgate serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				rt.cfg.Port = port
			}
			return rt.serve(cmd)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	return cmd
}

func (rt *runtime) serve(cmd *cobra.Command) error {
	ready := make(chan string, 1)
	go func() {
		url, ok := <-ready
		if !ok {
			return
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out)
		fmt.Fprintf(out, "abgate running on %s\n", url)
		fmt.Fprintf(out, "Script:    <script src=\"%s/ab.js\" defer></script>\n", url)
		fmt.Fprintln(out, "Dashboard: run 'abgate token' for the link")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Press Ctrl+C to stop")
	}()
	defer close(ready)

	return server.Run(cmd.Context(), rt.cfg, rt.logger, ready)
}
