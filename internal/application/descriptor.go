// Package application contains the use-case services: session issuance and
// revocation, value transfer with settlement polling, payment-gated
// retrieval, and orchestration across gated resources.
package application

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mboyle/agentpay/internal/domain/model"
)

const (
	// clockSkewBuffer opens the validity window before "now" so that a
	// resource server or ledger with a slightly behind clock still accepts
	// the credential.
	clockSkewBuffer = 300 * time.Second

	// settlementBuffer extends the window past the granted duration so a
	// transfer submitted near the end of the session can still settle.
	settlementBuffer = 300 * time.Second

	// DefaultSessionDuration is the granted window length when none is
	// configured.
	DefaultSessionDuration = 3600 * time.Second
)

// DescriptorModules holds the chain module addresses an install descriptor
// refers to.
type DescriptorModules struct {
	ValidationModuleAddress common.Address
	TimeRangeModuleAddress  common.Address
}

// BuildInstallDescriptor produces the declarative installation request for a
// freshly generated delegate identity. Pure and deterministic given its
// inputs; performs no I/O. The time-hook window opens clockSkewBuffer before
// now and closes duration+settlementBuffer after now, so it always equals
// the credential window recorded alongside it.
func BuildInstallDescriptor(
	modules DescriptorModules,
	delegate common.Address,
	scopeEntityID, hookEntityID uint32,
	now time.Time,
	duration time.Duration,
) (model.InstallDescriptor, error) {
	if duration <= 0 {
		return model.InstallDescriptor{}, ErrInvalidDuration
	}

	validAfter := now.Add(-clockSkewBuffer)
	validUntil := now.Add(duration + settlementBuffer)

	return model.InstallDescriptor{
		ValidationConfig: model.ValidationConfig{
			ModuleAddress:         modules.ValidationModuleAddress,
			EntityID:              scopeEntityID,
			IsGlobal:              true,
			IsSignatureValidation: true,
			IsUserOpValidation:    true,
		},
		Signer:    delegate,
		Selectors: []model.Selector{model.SelectorExecute, model.SelectorExecuteBatch},
		TimeRangeHook: model.TimeRangeHook{
			ModuleAddress: modules.TimeRangeModuleAddress,
			EntityID:      hookEntityID,
			ValidAfter:    validAfter,
			ValidUntil:    validUntil,
		},
	}, nil
}
