// Package cli is the abgate command line: the server plus the commands that
// manage tests in its database.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/config"
	"github.com/ksiegai/abgate/internal/logging"
)

// runtime is the state shared by every command once flags are parsed.
type runtime struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func (rt *runtime) load(*cobra.Command, []string) error {
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}
	return rt.use(cfg)
}

func (rt *runtime) use(cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.Environment, rt.verbose)
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.logger = logger
	return nil
}

func (rt *runtime) sync(*cobra.Command, []string) {
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rt := &runtime{}

	cmd := &cobra.Command{
		Use:   "abgate",
		Short: "abgate - self-hosted A/B testing with sticky, cookie-first assignments",
		Long: `abgate assigns visitors to test variants, keeps them there across visits
and records what they do.

Running without a subcommand starts the server (same as 'abgate serve').`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: rt.load,
		PersistentPostRun: rt.sync,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.serve(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&rt.configPath, "config", "c", os.Getenv("ABGATE_CONFIG"), "config file (YAML)")
	cmd.PersistentFlags().BoolVar(&rt.verbose, "verbose", false, "log at debug level")

	cmd.AddCommand(
		newServeCmd(rt),
		newInitCmd(rt),
		newCreateCmd(rt),
		newListCmd(rt),
		newResultsCmd(rt),
		newExportCmd(rt),
		newStaticExportCmd(rt),
		newStatusCmd(rt),
		newDeleteCmd(rt),
		newWinnerCmd(rt),
		newSnippetCmd(rt),
		newDebugLinkCmd(rt),
		newTokenCmd(rt),
	)
	return cmd
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
