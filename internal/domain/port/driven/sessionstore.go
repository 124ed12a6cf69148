// Package driven defines the outbound ports the application layer depends on.
package driven

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mboyle/agentpay/internal/domain/model"
)

// ErrSecretKeyNotSet is returned by SessionStore operations when
// AGENTPAY_SECRET_KEY has not been configured.
var ErrSecretKeyNotSet = errors.New("secret key not configured: set AGENTPAY_SECRET_KEY")

// ErrSessionExists is returned by Put when a record with the same session id
// is already stored.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned by Get when no record exists for the id, or
// when the stored record's validity window has already closed.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the driven port for durable session key persistence.
// The adapter layer is responsible for encrypting signing keys at rest; this
// interface operates on plaintext key material at the domain boundary.
type SessionStore interface {
	// Put stores a new session record. Returns ErrSessionExists if a record
	// with the same id is already present. A Put is atomic: a concurrent or
	// subsequent Get never observes a partially written record.
	Put(ctx context.Context, session model.SessionKey) error

	// Get returns the session with the given id. Returns ErrSessionNotFound
	// if absent or if the record has expired; expired rows may be physically
	// retained for audit but are treated as absent.
	Get(ctx context.Context, id uuid.UUID) (model.SessionKey, error)

	// Delete removes the session with the given id. Idempotent: deleting an
	// absent id succeeds.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListLive returns all sessions whose validity window contains the
	// current time, in no guaranteed order.
	ListLive(ctx context.Context) ([]model.SessionKey, error)

	// PurgeExpired physically removes rows past their validUntil bound and
	// returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
}
