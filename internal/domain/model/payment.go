package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PaymentOption is one way a gated resource accepts payment. Amount is in
// the asset's base units; Decimals is the asset's fixed precision.
type PaymentOption struct {
	Recipient common.Address `json:"recipient"`
	Amount    int64          `json:"amount"`
	Decimals  uint8          `json:"decimals"`
}

// NormalizedAmount converts the raw base-unit amount into a decimal value,
// exactly: amount / 10^decimals.
func (o PaymentOption) NormalizedAmount() decimal.Decimal {
	return decimal.New(o.Amount, -int32(o.Decimals))
}

// PaymentRequired is the negotiation payload carried by a 402 response.
type PaymentRequired struct {
	Options      []PaymentOption
	PaymentToken string
}

// PaymentInstruction is the canonical payment derived from a 402 response.
// Ephemeral: never persisted, consumed exactly once by the transfer step.
type PaymentInstruction struct {
	PaymentToken  string
	Recipient     common.Address
	Amount        decimal.Decimal
	AssetDecimals uint8
}

// SettlementRef identifies a submitted value transfer on the ledger.
type SettlementRef string

// SettlementReceipt is the outcome of a transfer submission. A zero
// ConfirmedAt means the transfer is still pending; pending is a valid
// transient state, not a failure.
type SettlementReceipt struct {
	Ref         SettlementRef
	ConfirmedAt time.Time
}

// Pending reports whether the settlement has not yet been confirmed.
func (r SettlementReceipt) Pending() bool {
	return r.ConfirmedAt.IsZero()
}
