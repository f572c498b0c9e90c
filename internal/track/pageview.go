package track

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Milestones are the scroll depths reported once per page view.
var Milestones = []int{25, 50, 75, 100}

// ScrollPercent is scrollY / (scrollHeight - viewportHeight) * 100, clamped to
// [0, 100]. A page that does not scroll counts as fully read.
func ScrollPercent(scrollY, scrollHeight, viewportHeight float64) int {
	scrollable := scrollHeight - viewportHeight
	if scrollable <= 0 {
		return 100
	}
	p := math.Round(scrollY / scrollable * 100)
	switch {
	case p < 0, math.IsNaN(p):
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

// PageView is one rendered page carrying a test variant. It tracks the
// deepest scroll seen and guards the leave events so they fire once even
// when the tab is hidden and then closed.
type PageView struct {
	ID        string
	TestKey   string
	SessionID string
	VariantID string
	PagePath  string
	StartedAt time.Time

	mu       sync.Mutex
	maxDepth int
	reached  map[int]bool
	left     bool
	touched  time.Time
}

func NewPageView(testKey, sessionID, variantID, pagePath string, now time.Time) *PageView {
	return &PageView{
		ID:        uuid.NewString(),
		TestKey:   testKey,
		SessionID: sessionID,
		VariantID: variantID,
		PagePath:  pagePath,
		StartedAt: now,
		reached:   make(map[int]bool, len(Milestones)),
		touched:   now,
	}
}

// Scroll records a depth sample and returns the milestones crossed for the
// first time. After Leave it returns nothing.
func (p *PageView) Scroll(percent int, now time.Time) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.touched = now
	if p.left {
		return nil
	}
	if percent > p.maxDepth {
		p.maxDepth = percent
	}

	var crossed []int
	for _, m := range Milestones {
		if p.maxDepth >= m && !p.reached[m] {
			p.reached[m] = true
			crossed = append(crossed, m)
		}
	}
	return crossed
}

// Leave closes the page view. ok is false if it was already closed.
func (p *PageView) Leave(now time.Time) (seconds int, maxDepth int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.left {
		return 0, 0, false
	}
	p.left = true
	p.touched = now

	elapsed := now.Sub(p.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return int(elapsed / time.Second), p.maxDepth, true
}

// Touch marks the view as still open so the sweeper keeps it. It reports
// false once the view has been left.
func (p *PageView) Touch(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.left {
		return false
	}
	p.touched = now
	return true
}

func (p *PageView) MaxDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxDepth
}

func (p *PageView) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.touched
}
