package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// TransferExecutor is the slice of TransferService the payment loop needs.
type TransferExecutor interface {
	Transfer(ctx context.Context, session model.SessionKey, recipient common.Address, amount decimal.Decimal) (model.SettlementReceipt, error)
}

// PayGateService runs the payment-gated retrieval protocol: request the
// resource, satisfy a 402 by paying exactly the demanded amount, retry once
// with proof.
type PayGateService struct {
	gateway  driven.ResourceGateway
	executor TransferExecutor
}

// NewPayGateService creates a PayGateService.
func NewPayGateService(gateway driven.ResourceGateway, executor TransferExecutor) *PayGateService {
	return &PayGateService{gateway: gateway, executor: executor}
}

// FetchGated retrieves a gated resource. A 200 on the first attempt is the
// read-only fast path: no transfer happens and the call is side-effect free.
// On 402 the first payment option is selected (index 0, deterministically),
// the normalized amount is paid via the session, and the request is retried
// exactly once carrying proof. A second 402 after proof is ErrPaymentRejected.
func (s *PayGateService) FetchGated(ctx context.Context, session model.SessionKey, resourceID string) (json.RawMessage, error) {
	result, err := s.gateway.Fetch(ctx, resourceID, "")
	if err != nil {
		return nil, err
	}
	if result.Payload != nil {
		return result.Payload, nil
	}

	required := result.PaymentRequired
	option := required.Options[0]
	instruction := model.PaymentInstruction{
		PaymentToken:  required.PaymentToken,
		Recipient:     option.Recipient,
		Amount:        option.NormalizedAmount(),
		AssetDecimals: option.Decimals,
	}

	slog.Info("resource gated, paying",
		"resource", resourceID,
		"recipient", instruction.Recipient.Hex(),
		"amount", instruction.Amount.String(),
	)

	receipt, err := s.executor.Transfer(ctx, session, instruction.Recipient, instruction.Amount)
	if err != nil {
		return nil, err
	}

	// The retry is only ever sent with a confirmed receipt in hand; proof is
	// never presented speculatively.
	proof := instruction.PaymentToken + ":" + string(receipt.Ref)

	retry, err := s.gateway.Fetch(ctx, resourceID, proof)
	if err != nil {
		return nil, err
	}
	if retry.PaymentRequired != nil {
		return nil, ErrPaymentRejected
	}

	slog.Info("gated resource unlocked", "resource", resourceID, "ref", receipt.Ref)
	return retry.Payload, nil
}
