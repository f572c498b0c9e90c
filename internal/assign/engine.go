// Package assign decides which variant of a test a session sees and makes
// that decision stick.
package assign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/clientstate"
	"github.com/ksiegai/abgate/internal/debug"
	"github.com/ksiegai/abgate/internal/dispatch"
	"github.com/ksiegai/abgate/internal/store"
)

// ErrNoVariants marks a test definition the engine must never be called with.
var ErrNoVariants = errors.New("test has no variants")

const (
	DefaultCookiePrefix = "ab_test"
	assignmentMaxAge    = 365 * 24 * time.Hour

	// EventAssignmentCreated is the custom event name emitted for new assignments.
	EventAssignmentCreated = "assignment_created"
)

type Options struct {
	CookiePrefix  string
	LookupTimeout time.Duration
	Rand          func() float64
}

type Engine struct {
	assignments store.Assignments // nil runs cookie-only
	events      store.Events
	debug       *debug.Channel
	dispatcher  *dispatch.Dispatcher
	logger      *zap.Logger

	prefix        string
	lookupTimeout time.Duration
	rand          func() float64
}

func New(assignments store.Assignments, events store.Events, dbg *debug.Channel, d *dispatch.Dispatcher, logger *zap.Logger, opts Options) *Engine {
	if opts.CookiePrefix == "" {
		opts.CookiePrefix = DefaultCookiePrefix
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if dbg == nil {
		dbg = debug.Inert()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		assignments:   assignments,
		events:        events,
		debug:         dbg,
		dispatcher:    d,
		logger:        logger,
		prefix:        opts.CookiePrefix,
		lookupTimeout: opts.LookupTimeout,
		rand:          opts.Rand,
	}
}

// CookieKey is where the assignment for testKey lives in client storage.
func CookieKey(prefix, testKey string) string {
	return prefix + "_" + testKey
}

func (e *Engine) CookieKey(testKey string) string {
	return CookieKey(e.prefix, testKey)
}

func (e *Engine) alternateKey() string {
	return e.prefix + "_alt_last"
}

// GetOrAssign returns the session's variant for t, assigning and persisting
// one if needed. A nil variant with nil error means the session is not in the
// test. The only error is ErrNoVariants; storage failures are logged and the
// visitor still gets a variant.
func (e *Engine) GetOrAssign(ctx context.Context, kv clientstate.KV, t *store.Test, sessionID string) (*store.Variant, error) {
	if t == nil {
		return nil, nil
	}
	if len(t.Variants) == 0 {
		return nil, fmt.Errorf("test %q: %w", t.Key, ErrNoVariants)
	}
	if !t.Active() || !InAllocation(sessionID, t) {
		return nil, nil
	}
	log := e.logger.With(zap.String("test_key", t.Key), zap.String("session_id", sessionID))

	// Debug overrides win over everything and leave no trace in storage.
	if id, ok := e.debug.Override(kv, t.Key); ok {
		if v := t.Variant(id); v != nil {
			return v, nil
		}
		log.Debug("ignoring override for unknown variant", zap.String("variant_id", id))
	}

	cookieKey := e.CookieKey(t.Key)
	if id, ok := kv.Get(cookieKey); ok {
		if v := t.Variant(id); v != nil {
			return v, nil
		}
		log.Info("stored variant no longer in test, reassigning", zap.String("variant_id", id))
	}

	var orphan *store.Assignment
	if e.assignments != nil {
		a, err := e.lookup(ctx, t.ID, sessionID)
		switch {
		case err == nil:
			if v := t.Variant(a.VariantID); v != nil {
				e.remember(kv, cookieKey, v.ID, log)
				return v, nil
			}
			orphan = a
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("assignment lookup failed", zap.Error(err))
		}
	}

	v := &t.Variants[e.choose(kv, t, log)]
	e.remember(kv, cookieKey, v.ID, log)

	stored, created := e.persist(ctx, t, sessionID, v.ID, orphan, log)
	if stored != nil && stored.VariantID != v.ID {
		// Another request won the race; its choice is the assignment.
		if winner := t.Variant(stored.VariantID); winner != nil {
			v = winner
			e.remember(kv, cookieKey, v.ID, log)
		}
	}

	if created && !e.debug.Suppressed(kv) {
		e.emitAssigned(stored, t)
	}
	return v, nil
}

// StoredVariant returns the variant recorded in client storage for t, if it
// is still part of the test.
func (e *Engine) StoredVariant(kv clientstate.KV, t *store.Test) *store.Variant {
	if id, ok := e.debug.Override(kv, t.Key); ok {
		if v := t.Variant(id); v != nil {
			return v
		}
	}
	id, ok := kv.Get(e.CookieKey(t.Key))
	if !ok {
		return nil
	}
	return t.Variant(id)
}

// Clear drops the session's assignment to t from client storage and from the
// backend, so the next GetOrAssign draws again.
func (e *Engine) Clear(ctx context.Context, kv clientstate.KV, t *store.Test, sessionID string) error {
	var errs []error
	if err := kv.Delete(e.CookieKey(t.Key)); err != nil && !errors.Is(err, clientstate.ErrPartialWrite) {
		errs = append(errs, fmt.Errorf("clear stored variant: %w", err))
	}
	if e.assignments != nil {
		ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		defer cancel()
		err := e.assignments.DeleteAssignment(ctx, t.ID, sessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete assignment: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) choose(kv clientstate.KV, t *store.Test, log *zap.Logger) int {
	if t.Selection == store.SelectionAlternate {
		if len(t.Variants) == 2 {
			last, ok := kv.Get(e.alternateKey())
			next := NextAlternate(last, ok)
			if err := kv.Set(e.alternateKey(), formatIndex(next), assignmentMaxAge); err != nil {
				log.Debug("alternation toggle not persisted", zap.Error(err))
			}
			return next
		}
		log.Warn("alternate selection needs exactly two variants, using weights", zap.Int("variants", len(t.Variants)))
	}
	return Weighted(t.Variants, e.rand())
}

func (e *Engine) remember(kv clientstate.KV, key, variantID string, log *zap.Logger) {
	if err := kv.Set(key, variantID, assignmentMaxAge); err != nil {
		log.Debug("assignment not persisted client-side", zap.Error(err))
	}
}

func (e *Engine) lookup(ctx context.Context, testID, sessionID string) (*store.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	return e.assignments.GetAssignment(ctx, testID, sessionID)
}

func (e *Engine) persist(ctx context.Context, t *store.Test, sessionID, variantID string, orphan *store.Assignment, log *zap.Logger) (*store.Assignment, bool) {
	if e.assignments == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	if orphan != nil {
		stored, err := e.assignments.ReassignVariant(ctx, orphan, variantID)
		if err != nil {
			log.Warn("reassigning orphaned assignment failed", zap.Error(err))
			return nil, false
		}
		// A row moved to the fresh draw is a new assignment for analytics.
		return stored, stored.VariantID == variantID
	}

	stored, created, err := e.assignments.CreateAssignment(ctx, &store.Assignment{
		TestID:    t.ID,
		SessionID: sessionID,
		VariantID: variantID,
	})
	if err != nil {
		log.Warn("storing assignment failed", zap.Error(err))
		return nil, false
	}
	return stored, created
}

func (e *Engine) emitAssigned(a *store.Assignment, t *store.Test) {
	if e.events == nil || e.dispatcher == nil || a == nil {
		return
	}
	selection := string(t.Selection)
	e.dispatcher.Go("assignment_created", func(ctx context.Context) error {
		return e.events.InsertEvent(ctx, &store.Event{
			TestID:       a.TestID,
			AssignmentID: a.ID,
			VariantID:    a.VariantID,
			Type:         store.EventCustom,
			Name:         EventAssignmentCreated,
			Metadata:     map[string]any{"selection": selection},
			PagePath:     t.PagePath,
		})
	})
}
