package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/snippets"
	"github.com/ksiegai/abgate/internal/store"
)

func newSnippetCmd(rt *runtime) *cobra.Command {
	var (
		framework string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "snippet <key>",
		Short: "Generate integration code for a test",
		Long: `Generate copy-paste-ready code for running a test on its page: the ab.js
include, variant hooks and a conversion call.

Example:
  abgate snippet hero --framework nextjs --server-url https://ab.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				test, err := getTest(ctx, s, args[0])
				if err != nil {
					return err
				}

				fw := snippets.Framework(framework)
				if framework == "" {
					if fw, err = promptFramework(); err != nil {
						return err
					}
				}

				url := serverURL
				if url == "" {
					if url, err = promptServerURL(rt.serverURL("")); err != nil {
						return err
					}
				}

				files, err := snippets.Generate(fw, snippets.Config{Test: test, ServerURL: url})
				if err != nil {
					return fmt.Errorf("failed to generate snippet: %w", err)
				}
				printSnippets(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "framework (html, nextjs, react, vue)")
	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "server URL (e.g., https://ab.example.com)")
	return cmd
}

func promptFramework() (snippets.Framework, error) {
	labels := map[snippets.Framework]string{
		snippets.FrameworkHTML:   "HTML (vanilla JavaScript)",
		snippets.FrameworkNextJS: "Next.js",
		snippets.FrameworkReact:  "React",
		snippets.FrameworkVue:    "Vue",
	}
	items := make([]string, len(snippets.Frameworks))
	for i, fw := range snippets.Frameworks {
		items[i] = labels[fw]
	}

	prompt := promptui.Select{
		Label: "Select framework",
		Items: items,
		Size:  len(items),
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return snippets.Frameworks[idx], nil
}

func promptServerURL(def string) (string, error) {
	prompt := promptui.Prompt{
		Label:   "Server URL",
		Default: def,
	}
	result, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(result, "/"), nil
}

func printSnippets(w io.Writer, files []snippets.SnippetFile) {
	for i, file := range files {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintf(w, " %s\n", file.Filename)
		fmt.Fprintln(w, strings.Repeat("=", 62))
		fmt.Fprintln(w)
		fmt.Fprintln(w, file.Content)
	}
}
