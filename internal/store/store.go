package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Definitions resolves test definitions. The backends implement it from their
// tests table; staticdefs implements it from a published JSON document.
type Definitions interface {
	ActiveTestForPage(ctx context.Context, pagePath string) (*Test, error)
	GetTestByKey(ctx context.Context, key string) (*Test, error)
}

// Assignments stores the (test, session) -> variant binding.
type Assignments interface {
	GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error)
	// CreateAssignment inserts a, or returns the assignment already stored for
	// the same (test, session) with created=false.
	CreateAssignment(ctx context.Context, a *Assignment) (stored *Assignment, created bool, err error)
	// ReassignVariant moves a to variantID only if it still holds a.VariantID,
	// and returns whatever is stored afterwards.
	ReassignVariant(ctx context.Context, a *Assignment, variantID string) (*Assignment, error)
	// DeleteAssignment removes the (test, session) assignment and the events
	// recorded against it, or returns ErrNotFound.
	DeleteAssignment(ctx context.Context, testID, sessionID string) error
	AttachUser(ctx context.Context, sessionID, userID string) (int64, error)
}

// Events is insert-only from the tracker's point of view.
type Events interface {
	InsertEvent(ctx context.Context, e *Event) error
	GetEvents(ctx context.Context, testID string) ([]*Event, error)
	GetVariantStats(ctx context.Context, testID, goal string) ([]VariantStats, error)
}

// Backend is everything abgate needs from a database.
type Backend interface {
	Definitions
	Assignments
	Events

	// Test operations
	CreateTest(ctx context.Context, t *Test) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
	UpdateTestStatus(ctx context.Context, key string, status TestStatus) error
	DeleteTest(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend for driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
