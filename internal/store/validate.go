package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validate checks a test definition before it is written. Test definitions
// with no variants are a configuration error and never reach the engine.
func Validate(t *Test) error {
	if t.Key == "" {
		return fmt.Errorf("test key is required")
	}
	if len(t.Variants) == 0 {
		return fmt.Errorf("test %q: at least one variant is required", t.Key)
	}
	if t.TrafficAllocation < 0 || t.TrafficAllocation > 1 {
		return fmt.Errorf("test %q: traffic allocation %v outside [0, 1]", t.Key, t.TrafficAllocation)
	}

	seen := make(map[string]bool, len(t.Variants))
	total := 0.0
	for _, v := range t.Variants {
		if v.ID == "" {
			return fmt.Errorf("test %q: variant id is required", t.Key)
		}
		if seen[v.ID] {
			return fmt.Errorf("test %q: duplicate variant id %q", t.Key, v.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return fmt.Errorf("test %q: variant %q has negative weight", t.Key, v.ID)
		}
		total += v.Weight
	}
	if total <= 0 {
		return fmt.Errorf("test %q: variant weights must sum to more than zero", t.Key)
	}

	switch t.Selection {
	case "", SelectionWeighted, SelectionAlternate:
	default:
		return fmt.Errorf("test %q: unknown selection %q", t.Key, t.Selection)
	}
	if _, ok := ParseStatus(string(t.Status)); !ok && t.Status != "" {
		return fmt.Errorf("test %q: unknown status %q", t.Key, t.Status)
	}
	return nil
}

// prepareTest fills defaults on a test about to be inserted.
func prepareTest(t *Test) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		t.Name = t.Key
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.Selection == "" {
		t.Selection = SelectionWeighted
	}
	for i := range t.Variants {
		if t.Variants[i].Name == "" {
			t.Variants[i].Name = t.Variants[i].ID
		}
	}
	now := time.Now().UTC().Truncate(time.Second)
	t.CreatedAt = now
	t.UpdatedAt = now
}
