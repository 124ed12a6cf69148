package driven

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mboyle/agentpay/internal/domain/model"
)

// OperationHandle identifies an in-flight account operation (a submitted
// user operation hash). Callers hold it for out-of-band follow-up when a
// bounded confirmation wait runs out.
type OperationHandle string

// ErrReceiptNotReady is the expected "not yet available" condition inside
// the settlement poll loop. It is control flow, not a failure: callers wait
// and fetch again.
var ErrReceiptNotReady = errors.New("settlement receipt not yet available")

// ErrOperationRejected is returned when the ledger definitively refuses an
// operation (owner signer declined, or fees could not be covered).
var ErrOperationRejected = errors.New("operation rejected by ledger")

// Ledger is the driven port for the account-authorization service and the
// settlement network behind it. Implementations submit operations and expose
// their confirmation state; they never retry submissions internally.
type Ledger interface {
	// InstallValidation submits the descriptor for activation against the
	// owner's account, authorized by the owner's existing signer (the
	// delegate has no standing yet). It returns as soon as the operation is
	// accepted for inclusion.
	InstallValidation(ctx context.Context, owner common.Address, d model.InstallDescriptor) (OperationHandle, error)

	// OperationConfirmed reports whether the operation identified by handle
	// has been confirmed on the ledger.
	OperationConfirmed(ctx context.Context, handle OperationHandle) (bool, error)

	// UninstallValidation revokes a previously installed validation and its
	// time-range hook, authorized by the owner. Returns the revocation
	// transaction hash.
	UninstallValidation(ctx context.Context, owner common.Address, scopeEntityID, hookEntityID uint32) (string, error)

	// SubmitTransfer submits a token transfer of amountBase (asset base
	// units) from the owner account to recipient, authorized by the
	// session's delegate key and scoped to its entity id. Called exactly
	// once per transfer; the returned ref is usable immediately with
	// TransferReceipt.
	SubmitTransfer(ctx context.Context, session model.SessionKey, recipient common.Address, amountBase *big.Int) (model.SettlementRef, error)

	// TransferReceipt fetches the settlement receipt for ref. Returns
	// ErrReceiptNotReady while the transfer is still pending; any other
	// error is fatal for the submission.
	TransferReceipt(ctx context.Context, ref model.SettlementRef) (model.SettlementReceipt, error)
}
