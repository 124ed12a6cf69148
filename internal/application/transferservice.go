package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

const (
	// settlementPollInterval is the fixed backoff between receipt fetches.
	settlementPollInterval = 5 * time.Second

	// settlementPollBudget is the hard wall-clock limit for one Transfer
	// call's poll loop.
	settlementPollBudget = 180 * time.Second
)

// TransferService moves a fixed-precision token amount from an owner account
// to a recipient using a delegated session key, then polls for settlement.
//
// The transfer instruction is submitted exactly once per Transfer call.
// After a SettlementTimeoutError, callers must resolve the pending ref
// before calling Transfer again, or they risk spending the scope twice.
type TransferService struct {
	ledger        driven.Ledger
	tokenDecimals int32

	pollInterval time.Duration
	pollBudget   time.Duration
	now          func() time.Time
}

// NewTransferService creates a TransferService for an asset with the given
// fixed precision (6 for USDC).
func NewTransferService(ledger driven.Ledger, tokenDecimals uint8) *TransferService {
	return &TransferService{
		ledger:        ledger,
		tokenDecimals: int32(tokenDecimals),
		pollInterval:  settlementPollInterval,
		pollBudget:    settlementPollBudget,
		now:           time.Now,
	}
}

// Transfer submits a transfer of amount (whole-token units) to recipient and
// waits for a confirmed settlement receipt within the poll budget.
//
// Fails fast with ErrCredentialExpired before submitting anything when the
// session window has closed. A budget overrun yields SettlementTimeoutError
// carrying the pending ref; the receipt value returned with it also carries
// the ref so callers can follow up either way.
func (s *TransferService) Transfer(ctx context.Context, session model.SessionKey, recipient common.Address, amount decimal.Decimal) (model.SettlementReceipt, error) {
	if session.ExpiredAt(s.now()) {
		return model.SettlementReceipt{}, ErrCredentialExpired
	}

	amountBase := amount.Shift(s.tokenDecimals).Floor().BigInt()

	ref, err := s.ledger.SubmitTransfer(ctx, session, recipient, amountBase)
	if err != nil {
		return model.SettlementReceipt{}, &SubmissionFailedError{Err: err}
	}

	slog.Info("transfer submitted",
		"session_id", session.ID,
		"recipient", recipient.Hex(),
		"amount", amount.String(),
		"ref", ref,
	)

	deadline := time.Now().Add(s.pollBudget)
	for {
		receipt, err := s.ledger.TransferReceipt(ctx, ref)
		if err == nil {
			slog.Info("transfer settled", "ref", ref, "confirmed_at", receipt.ConfirmedAt)
			return receipt, nil
		}
		if !errors.Is(err, driven.ErrReceiptNotReady) {
			return model.SettlementReceipt{}, &SubmissionFailedError{Err: fmt.Errorf("fetch receipt %s: %w", ref, err)}
		}

		if time.Now().After(deadline) {
			return model.SettlementReceipt{Ref: ref}, &SettlementTimeoutError{Ref: ref}
		}

		// Cancellation checkpoint between poll iterations.
		select {
		case <-ctx.Done():
			return model.SettlementReceipt{Ref: ref}, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}
