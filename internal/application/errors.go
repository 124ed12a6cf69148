package application

import (
	"errors"
	"fmt"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// Fatal conditions: the session cannot be used again, a new one is required.
var (
	// ErrActivationRejected means the owner signer declined the install or
	// could not cover network fees. Nothing was persisted.
	ErrActivationRejected = errors.New("session activation rejected")

	// ErrCredentialExpired means the session's validity window has closed.
	ErrCredentialExpired = errors.New("session credential expired")

	// ErrPaymentRejected means a resource returned 402 again after proof of
	// payment was presented. The payment is not retried.
	ErrPaymentRejected = errors.New("payment rejected: resource still gated after proof presented")
)

// ErrInvalidDuration is returned by the descriptor builder for a zero or
// negative session duration.
var ErrInvalidDuration = errors.New("session duration must be positive")

// ActivationTimeoutError means the install was submitted but not confirmed
// within the bounded wait. The handle allows out-of-band follow-up; nothing
// was persisted.
type ActivationTimeoutError struct {
	Handle driven.OperationHandle
}

func (e *ActivationTimeoutError) Error() string {
	return fmt.Sprintf("activation not confirmed within budget (operation %s)", e.Handle)
}

// PersistenceError means the activation was confirmed on the ledger but the
// local store write failed. The credential is live remotely and unrecorded
// locally; the confirmed handle is carried for reconciliation.
type PersistenceError struct {
	Handle driven.OperationHandle
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("activation confirmed (operation %s) but session persistence failed: %v", e.Handle, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SubmissionFailedError wraps a fatal ledger failure during transfer
// submission or receipt retrieval.
type SubmissionFailedError struct {
	Err error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("transfer submission failed: %v", e.Err)
}

func (e *SubmissionFailedError) Unwrap() error { return e.Err }

// SettlementTimeoutError means no settlement answer arrived within the poll
// budget. Not a definitive failure: the pending ref lets callers check again
// later. Callers must not resubmit the transfer without first resolving the
// pending submission, or they risk double-spending the scope.
type SettlementTimeoutError struct {
	Ref model.SettlementRef
}

func (e *SettlementTimeoutError) Error() string {
	return fmt.Sprintf("settlement not confirmed within budget (pending ref %s)", e.Ref)
}
