package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/config"
)

const defaultConfigPath = "abgate.yaml"

func newInitCmd(rt *runtime) *cobra.Command {
	var (
		driver string
		dsn    string
		port   int
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and show integration steps",
		Long: `Write an abgate config file, asking for anything not given as a flag.

Examples:
  abgate init
  abgate init --driver postgres --dsn postgres://localhost/abgate --port 8080`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.use(config.Default())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rt.configPath
			if path == "" {
				path = defaultConfigPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			var err error
			if driver == "" {
				if driver, err = promptDriver(); err != nil {
					return err
				}
			}
			if dsn == "" {
				if dsn, err = promptDSN(driver); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("port") {
				if port, err = promptPort(port); err != nil {
					return err
				}
			}

			cfg := config.Default()
			cfg.Store.Driver = driver
			cfg.Store.DSN = dsn
			cfg.Port = port
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			printNextSteps(cmd.OutOrStdout(), path, cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "store driver (sqlite or postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database path or URL")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func promptDriver() (string, error) {
	prompt := promptui.Select{
		Label: "Database",
		Items: []string{"SQLite (single file, no setup)", "PostgreSQL"},
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	if idx == 1 {
		return "postgres", nil
	}
	return "sqlite", nil
}

func promptDSN(driver string) (string, error) {
	def := "./abgate.db"
	label := "Database file"
	if driver == "postgres" {
		def = "postgres://localhost:5432/abgate?sslmode=disable"
		label = "Database URL"
	}
	prompt := promptui.Prompt{
		Label:   label,
		Default: def,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("required")
			}
			return nil
		},
	}
	return prompt.Run()
}

func promptPort(def int) (int, error) {
	prompt := promptui.Prompt{
		Label:   "Port",
		Default: strconv.Itoa(def),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 65535 {
				return errors.New("enter a port between 1 and 65535")
			}
			return nil
		},
	}
	s, err := prompt.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func printNextSteps(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "Wrote %s (%s store)\n", path, cfg.Store.Driver)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "1. Start the server")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   abgate serve --config %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "2. Create a test")
	fmt.Fprintln(w)
	fmt.Fprintln(w, `   abgate create hero --page / --variants "control:50,bold:50" --goal signup --status active`)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "3. Add the script to the page and wire a conversion")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   <script src=\"http://localhost:%d/ab.js\" defer></script>\n", cfg.Port)
	fmt.Fprintln(w, "   <button onclick=\"abgate.convert('signup')\">Sign up</button>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  results <key>    Show test statistics")
	fmt.Fprintln(w, "  snippet <key>    Generate integration code")
	fmt.Fprintln(w, "  winner <key>     Declare a winner")
	fmt.Fprintln(w, "  token            Show dashboard URL")
}
