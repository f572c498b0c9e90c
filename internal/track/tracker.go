// Package track records what visitors do on pages carrying a test variant.
// Every write is fire-and-forget: the calling request never waits on storage
// and never sees a storage error.
package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/assign"
	"github.com/ksiegai/abgate/internal/clientstate"
	"github.com/ksiegai/abgate/internal/debug"
	"github.com/ksiegai/abgate/internal/dispatch"
	"github.com/ksiegai/abgate/internal/store"
)

const (
	EventNameTimeOnPage = "time_on_page"
	EventNameMaxScroll  = "max_scroll_depth"
)

// MilestoneName is the event name for a scroll milestone, e.g. scroll_50.
func MilestoneName(depth int) string {
	return fmt.Sprintf("scroll_%d", depth)
}

type Tracker struct {
	defs        store.Definitions
	assignments store.Assignments
	events      store.Events
	engine      *assign.Engine
	debug       *debug.Channel
	dispatcher  *dispatch.Dispatcher
	views       *Registry
	logger      *zap.Logger
	now         func() time.Time
}

type Config struct {
	Definitions store.Definitions
	Assignments store.Assignments
	Events      store.Events
	Engine      *assign.Engine
	Debug       *debug.Channel
	Dispatcher  *dispatch.Dispatcher
	Registry    *Registry
	Logger      *zap.Logger
	Now         func() time.Time
}

func New(cfg Config) *Tracker {
	if cfg.Debug == nil {
		cfg.Debug = debug.Inert()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		defs:        cfg.Definitions,
		assignments: cfg.Assignments,
		events:      cfg.Events,
		engine:      cfg.Engine,
		debug:       cfg.Debug,
		dispatcher:  cfg.Dispatcher,
		views:       cfg.Registry,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

func (t *Tracker) Registry() *Registry {
	return t.views
}

// TrackPageView records a page_view for the session's assignment and opens a
// PageView for the scroll and leave beacons that follow. It returns nil when
// tracking is suppressed.
func (t *Tracker) TrackPageView(kv clientstate.KV, sessionID string, test *store.Test, variantID, pagePath string) *PageView {
	if test == nil || t.debug.Suppressed(kv) {
		return nil
	}
	pv := NewPageView(test.Key, sessionID, variantID, pagePath, t.now())
	t.views.Put(pv)

	t.record("page_view", test.ID, sessionID, store.Event{
		Type:     store.EventPageView,
		PagePath: pagePath,
	})
	return pv
}

// TrackConversion records a goal reached on any page. It does nothing when
// the visitor holds no variant for testKey.
func (t *Tracker) TrackConversion(ctx context.Context, kv clientstate.KV, sessionID, testKey, name string, value *float64, metadata map[string]any) {
	if t.debug.Suppressed(kv) {
		return
	}
	test, ok := t.heldTest(ctx, kv, testKey)
	if !ok {
		return
	}
	t.record("conversion", test.ID, sessionID, store.Event{
		Type:     store.EventConversion,
		Name:     name,
		Value:    value,
		Metadata: metadata,
	})
}

// TrackEvent records an arbitrary interaction for testKey.
func (t *Tracker) TrackEvent(ctx context.Context, kv clientstate.KV, sessionID, testKey string, typ store.EventType, name string, metadata map[string]any) {
	if t.debug.Suppressed(kv) {
		return
	}
	test, ok := t.heldTest(ctx, kv, testKey)
	if !ok {
		return
	}
	t.record(string(typ), test.ID, sessionID, store.Event{
		Type:     typ,
		Name:     name,
		Metadata: metadata,
	})
}

// Scroll feeds a raw scroll sample into an open page view and records any
// milestones crossed for the first time. It returns the milestones recorded.
func (t *Tracker) Scroll(ctx context.Context, kv clientstate.KV, sessionID, pageViewID string, scrollY, scrollHeight, viewportHeight float64) []int {
	if t.debug.Suppressed(kv) {
		return nil
	}
	pv, ok := t.views.Get(pageViewID, sessionID)
	if !ok {
		return nil
	}
	crossed := pv.Scroll(ScrollPercent(scrollY, scrollHeight, viewportHeight), t.now())
	if len(crossed) == 0 {
		return nil
	}
	test, ok := t.definition(ctx, pv.TestKey)
	if !ok {
		return nil
	}
	for _, depth := range crossed {
		t.record("scroll", test.ID, sessionID, store.Event{
			Type:        store.EventScroll,
			Name:        MilestoneName(depth),
			PagePath:    pv.PagePath,
			ScrollDepth: &depth,
		})
	}
	return crossed
}

// Ping keeps an open page view from expiring while the tab stays visible.
func (t *Tracker) Ping(sessionID, pageViewID string) bool {
	pv, ok := t.views.Get(pageViewID, sessionID)
	if !ok {
		return false
	}
	return pv.Touch(t.now())
}

// Leave closes a page view, recording the time spent and the deepest scroll.
// Repeated calls for the same page view record nothing.
func (t *Tracker) Leave(ctx context.Context, kv clientstate.KV, sessionID, pageViewID string) bool {
	pv, ok := t.views.Get(pageViewID, sessionID)
	if !ok {
		return false
	}
	seconds, depth, first := pv.Leave(t.now())
	t.views.Remove(pageViewID)
	if !first || t.debug.Suppressed(kv) {
		return false
	}
	test, ok := t.definition(ctx, pv.TestKey)
	if !ok {
		return false
	}
	t.record("time_on_page", test.ID, sessionID, store.Event{
		Type:       store.EventTimeOnPage,
		Name:       EventNameTimeOnPage,
		PagePath:   pv.PagePath,
		TimeOnPage: &seconds,
	})
	t.record("scroll", test.ID, sessionID, store.Event{
		Type:        store.EventScroll,
		Name:        EventNameMaxScroll,
		PagePath:    pv.PagePath,
		ScrollDepth: &depth,
	})
	return true
}

// heldTest returns the test for testKey if the visitor holds a variant in it.
func (t *Tracker) heldTest(ctx context.Context, kv clientstate.KV, testKey string) (*store.Test, bool) {
	test, ok := t.definition(ctx, testKey)
	if !ok {
		return nil, false
	}
	if t.engine == nil || t.engine.StoredVariant(kv, test) == nil {
		return nil, false
	}
	return test, true
}

func (t *Tracker) definition(ctx context.Context, testKey string) (*store.Test, bool) {
	if t.defs == nil || testKey == "" {
		return nil, false
	}
	test, err := t.defs.GetTestByKey(ctx, testKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("loading test definition failed", zap.String("test_key", testKey), zap.Error(err))
		}
		return nil, false
	}
	return test, true
}

// record resolves the session's assignment in the background and stores the
// event against it. Events for sessions with no assignment are dropped.
func (t *Tracker) record(name, testID, sessionID string, ev store.Event) {
	if t.dispatcher == nil || t.assignments == nil || t.events == nil {
		return
	}
	t.dispatcher.Go("track_"+name, func(ctx context.Context) error {
		a, err := t.assignments.GetAssignment(ctx, testID, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Debug("dropping event without assignment",
				zap.String("event_type", string(ev.Type)),
				zap.String("test_id", testID),
				zap.String("session_id", sessionID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve assignment: %w", err)
		}
		ev.TestID = testID
		ev.AssignmentID = a.ID
		ev.VariantID = a.VariantID
		return t.events.InsertEvent(ctx, &ev)
	})
}
