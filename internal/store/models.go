package store

import (
	"encoding/json"
	"time"
)

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusActive    TestStatus = "active"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
)

// ParseStatus validates a status string from the CLI or config files.
func ParseStatus(s string) (TestStatus, bool) {
	switch TestStatus(s) {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return TestStatus(s), true
	}
	return "", false
}

type Selection string

const (
	SelectionWeighted  Selection = "weighted"
	SelectionAlternate Selection = "alternate"
)

type EventType string

const (
	EventPageView   EventType = "page_view"
	EventConversion EventType = "conversion"
	EventClick      EventType = "click"
	EventScroll     EventType = "scroll"
	EventTimeOnPage EventType = "time_on_page"
	EventCustom     EventType = "custom"
)

// ParseEventType accepts the event types a client may report directly. Page
// views and conversions have their own endpoints, which dedupe them.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventClick, EventScroll, EventTimeOnPage, EventCustom:
		return EventType(s), true
	}
	return "", false
}

type Variant struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Weight  float64         `json:"weight"`
	Changes json.RawMessage `json:"changes,omitempty"` // Interpreted by the page only
}

type Test struct {
	ID                string     `json:"id"`
	Key               string     `json:"test_key"`
	Name              string     `json:"name"`
	PagePath          string     `json:"page_path"`
	Status            TestStatus `json:"status"`
	TrafficAllocation float64    `json:"traffic_allocation"`
	Variants          []Variant  `json:"variants"`
	PrimaryGoal       string     `json:"primary_goal,omitempty"`
	SecondaryGoals    []string   `json:"secondary_goals,omitempty"`
	Selection         Selection  `json:"selection,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Variant returns the variant with the given id, or nil if the test no longer has it.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// VariantIndex returns the position of the variant id, or -1.
func (t *Test) VariantIndex(id string) int {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Test) Active() bool {
	return t.Status == StatusActive
}

type Assignment struct {
	ID        string
	TestID    string
	SessionID string
	VariantID string
	UserID    string // Empty until the session signs in
	CreatedAt time.Time
}

type Event struct {
	ID           string
	TestID       string
	AssignmentID string
	VariantID    string
	Type         EventType
	Name         string
	Value        *float64
	Metadata     map[string]any // Stored and returned verbatim
	PagePath     string
	TimeOnPage   *int // Seconds
	ScrollDepth  *int // Percent
	CreatedAt    time.Time
}

type VariantStats struct {
	VariantID   string
	Assignments int
	Views       int
	Conversions int
}
