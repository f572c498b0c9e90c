package store

import (
	"testing"
)

func TestValidate(t *testing.T) {
	valid := func() *Test {
		return &Test{
			Key:               "hero",
			TrafficAllocation: 1,
			Variants:          []Variant{{ID: "a", Weight: 1}, {ID: "b", Weight: 0}},
		}
	}

	tests := []struct {
		name    string
		edit    func(*Test)
		wantErr bool
	}{
		{"valid", func(*Test) {}, false},
		{"missing key", func(t *Test) { t.Key = "" }, true},
		{"no variants", func(t *Test) { t.Variants = nil }, true},
		{"allocation above one", func(t *Test) { t.TrafficAllocation = 1.5 }, true},
		{"negative allocation", func(t *Test) { t.TrafficAllocation = -0.1 }, true},
		{"zero allocation is allowed", func(t *Test) { t.TrafficAllocation = 0 }, false},
		{"missing variant id", func(t *Test) { t.Variants[0].ID = "" }, true},
		{"duplicate variant id", func(t *Test) { t.Variants[1].ID = "a" }, true},
		{"negative weight", func(t *Test) { t.Variants[1].Weight = -1 }, true},
		{"all weights zero", func(t *Test) { t.Variants[0].Weight = 0 }, true},
		{"unknown selection", func(t *Test) { t.Selection = "random" }, true},
		{"alternate selection", func(t *Test) { t.Selection = SelectionAlternate }, false},
		{"unknown status", func(t *Test) { t.Status = "running" }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			test := valid()
			tc.edit(test)
			err := Validate(test)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPrepareTest_FillsDefaults(t *testing.T) {
	test := &Test{Key: "hero", Variants: []Variant{{ID: "a", Weight: 1}}}
	prepareTest(test)

	if test.ID == "" {
		t.Error("expected generated id")
	}
	if test.Name != "hero" {
		t.Errorf("Name = %q, want hero", test.Name)
	}
	if test.Status != StatusDraft {
		t.Errorf("Status = %q, want draft", test.Status)
	}
	if test.Selection != SelectionWeighted {
		t.Errorf("Selection = %q, want weighted", test.Selection)
	}
	if test.Variants[0].Name != "a" {
		t.Errorf("variant name = %q, want a", test.Variants[0].Name)
	}
	if test.CreatedAt.IsZero() || !test.CreatedAt.Equal(test.UpdatedAt) {
		t.Errorf("timestamps not set: %v %v", test.CreatedAt, test.UpdatedAt)
	}
}

func TestParseEventType(t *testing.T) {
	for _, s := range []string{"click", "scroll", "time_on_page", "custom"} {
		if _, ok := ParseEventType(s); !ok {
			t.Errorf("ParseEventType(%q) rejected", s)
		}
	}
	for _, s := range []string{"page_view", "conversion", "assignment_created", "assignment"} {
		if _, ok := ParseEventType(s); ok {
			t.Errorf("ParseEventType(%q) accepted", s)
		}
	}
}
