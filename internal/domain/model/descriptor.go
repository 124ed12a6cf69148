// Package model contains the domain types for delegated session keys and
// payment-gated retrieval.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Selector is a 0x-prefixed 4-byte function selector a session key is
// permitted to invoke on the owner account.
type Selector string

// Function selectors for the modular account's execution entry points.
const (
	SelectorExecute      Selector = "0xb61d27f6" // execute(address,uint256,bytes)
	SelectorExecuteBatch Selector = "0x34fcd5be" // executeBatch((address,uint256,bytes)[])
)

// ValidationConfig identifies the validation module installation that gives
// a delegate signer standing on the owner account.
type ValidationConfig struct {
	ModuleAddress         common.Address
	EntityID              uint32
	IsGlobal              bool
	IsSignatureValidation bool
	IsUserOpValidation    bool
}

// TimeRangeHook bounds when the installed validation may be used. Its window
// must be a subset of (or equal to) the owning session's validity window.
type TimeRangeHook struct {
	ModuleAddress common.Address
	EntityID      uint32
	ValidAfter    time.Time
	ValidUntil    time.Time
}

// InstallDescriptor is the declarative, scope-limited installation request
// submitted to the owner account to activate a session key. Built once,
// immutable, consumed exactly once by the install service.
type InstallDescriptor struct {
	ValidationConfig ValidationConfig
	Signer           common.Address // the delegate address being granted standing
	Selectors        []Selector
	TimeRangeHook    TimeRangeHook
}
