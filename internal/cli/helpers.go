package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/ksiegai/abgate/internal/store"
)

// withStore opens the configured database, executes fn, and handles cleanup.
func (rt *runtime) withStore(ctx context.Context, fn func(store.Backend) error) error {
	s, err := store.Open(ctx, rt.cfg.Store.Driver, rt.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// getTest wraps ErrNotFound in a message that names the key.
func getTest(ctx context.Context, s store.Backend, key string) (*store.Test, error) {
	test, err := s.GetTestByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("test '%s' not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	return test, nil
}

// parseVariants reads "id[:weight],..." with weights defaulting to 1.
func parseVariants(list string) ([]store.Variant, error) {
	var variants []store.Variant
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, weightStr, hasWeight := strings.Cut(part, ":")
		v := store.Variant{ID: strings.TrimSpace(id), Weight: 1}
		if hasWeight {
			w, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
			if err != nil {
				return nil, fmt.Errorf("variant %q: weight %q is not a number", v.ID, weightStr)
			}
			v.Weight = w
		}
		variants = append(variants, v)
	}
	if len(variants) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"control:50,bold:50\"")
	}
	return variants, nil
}

func (rt *runtime) serverURL(flag string) string {
	if flag != "" {
		return strings.TrimSuffix(flag, "/")
	}
	return fmt.Sprintf("http://localhost:%d", rt.cfg.Port)
}

// selectVariant asks which variant to use when none was given.
func selectVariant(test *store.Test, label string) (string, error) {
	items := make([]string, len(test.Variants))
	for i, v := range test.Variants {
		items[i] = fmt.Sprintf("%s (%s)", v.ID, v.Name)
	}
	prompt := promptui.Select{Label: label, Items: items, Size: len(items)}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return test.Variants[idx].ID, nil
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
