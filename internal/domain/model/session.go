package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SessionKey is an ephemeral delegated signing credential authorized to act
// on behalf of an owner account within a restricted scope and time window.
// Records are immutable after issuance; the store is their only owner.
type SessionKey struct {
	ID              uuid.UUID
	OwnerAddress    common.Address
	DelegateAddress common.Address
	SigningKey      string // 0x-prefixed hex secp256k1 private key; encrypted at rest.
	ScopeEntityID   uint32
	HookEntityID    uint32
	IssuedAt        time.Time
	ValidAfter      time.Time
	ValidUntil      time.Time
}

// LiveAt reports whether the session's validity window contains now.
func (s SessionKey) LiveAt(now time.Time) bool {
	return !now.Before(s.ValidAfter) && !now.After(s.ValidUntil)
}

// ExpiredAt reports whether now is past the session's validUntil bound.
func (s SessionKey) ExpiredAt(now time.Time) bool {
	return now.After(s.ValidUntil)
}
