// Package store provides the durable audit log of council requests.
// The SQLite implementation backs the running server; the in-memory
// implementation serves tests and COUNCIL_STORE=memory.
package store

import (
	"context"
	"errors"

	"github.com/lifeos-nexus/council/pkg/models"
)

// RequestStore is the persistence interface for council requests.
// Every method returns a descriptive error on storage failure; callers on the
// live request path log those errors and carry on.
type RequestStore interface {
	// Init idempotently creates the schema. Safe on every start.
	Init(ctx context.Context) error

	// Save inserts a new pending row. Returns ErrAlreadyExists if id is taken.
	Save(ctx context.Context, id, query, tier string) error

	// MarkProcessing moves a pending row to processing. A missing row is not an error.
	MarkProcessing(ctx context.Context, id string) error

	// Complete records the staged outputs and marks the row completed.
	Complete(ctx context.Context, id string, resp *models.CouncilResponse) error

	// Fail marks the row as error with the given message.
	Fail(ctx context.Context, id, message string) error

	// Get returns the row or a *NotFoundError.
	Get(ctx context.Context, id string) (*models.CouncilRequest, error)

	// GetActive returns the newest pending/processing row, or nil if none.
	GetActive(ctx context.Context) (*models.CouncilRequest, error)

	// ListRecent returns summaries ordered by creation time, newest first.
	ListRecent(ctx context.Context, limit int) ([]models.RequestSummary, error)

	// Delete removes a row, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Prune deletes everything but the keep most recently created rows.
	Prune(ctx context.Context, keep int) (int64, error)

	// FailInFlight finalizes every pending/processing row as error.
	FailInFlight(ctx context.Context, message string) (int64, error)

	// Close releases all resources held by the store.
	Close() error
}

// DefaultListLimit is used when ListRecent is given a non-positive limit.
const DefaultListLimit = 50

// ── Errors ──────────────────────────────────────────────────

// ErrAlreadyExists is returned by Save when the id is already present.
var ErrAlreadyExists = errors.New("council request already exists")

// NotFoundError is returned when a requested row does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func notFound(id string) error {
	return &NotFoundError{Entity: "council request", Key: id}
}
