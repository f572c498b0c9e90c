package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newDebugLinkCmd(rt *runtime) *cobra.Command {
	var (
		variantID string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "debug-link <key>",
		Short: "Print a link that forces a variant in this browser",
		Long: `Print a link that pins a variant for whoever opens it. Forced sessions
are excluded from analytics until the debug state is cleared with
POST /debug/ab/disable.

The debug routes only exist outside production.

Example:
  abgate debug-link hero --variant bold`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfg.Production() {
				return fmt.Errorf("debug overrides are disabled in production")
			}
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				test, err := getTest(ctx, s, args[0])
				if err != nil {
					return err
				}
				if variantID == "" {
					if variantID, err = selectVariant(test, "Variant to force"); err != nil {
						return err
					}
				}
				if test.Variant(variantID) == nil {
					return fmt.Errorf("unknown variant %q for test %s", variantID, test.Key)
				}

				q := url.Values{}
				q.Set("test_key", test.Key)
				q.Set("variant_id", variantID)
				fmt.Fprintf(cmd.OutOrStdout(), "%s/debug/ab/force?%s\n", rt.serverURL(serverURL), q.Encode())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&variantID, "variant", "", "variant id (prompted when omitted)")
	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "server URL (default http://localhost:<port>)")
	return cmd
}
