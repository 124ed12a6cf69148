package application

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// InstallConfig carries the tunables for session issuance.
type InstallConfig struct {
	Modules         DescriptorModules
	SessionDuration time.Duration // granted window length; DefaultSessionDuration when zero
	HookEntityID    uint32        // time-range hook entity id shared by all sessions
	ConfirmInterval time.Duration // poll spacing for activation confirmation
	ConfirmBudget   time.Duration // bounded activation wait
}

// InstallService issues and revokes delegated session keys. Issuance
// generates the delegate identity, submits the install descriptor under the
// owner's authorization, waits for confirmation, and persists the credential.
type InstallService struct {
	ledger driven.Ledger
	store  driven.SessionStore
	cfg    InstallConfig

	now        func() time.Time
	newID      func() uuid.UUID
	randEntity func() (uint32, error)
}

// NewInstallService creates an InstallService. Zero config fields get
// defaults: DefaultSessionDuration, hook entity 1, 2s confirm interval,
// 60s confirm budget.
func NewInstallService(ledger driven.Ledger, store driven.SessionStore, cfg InstallConfig) *InstallService {
	if cfg.SessionDuration == 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.HookEntityID == 0 {
		cfg.HookEntityID = 1
	}
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	if cfg.ConfirmBudget == 0 {
		cfg.ConfirmBudget = 60 * time.Second
	}
	return &InstallService{
		ledger:     ledger,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.New,
		randEntity: randomEntityID,
	}
}

// CreateSession issues a new delegated session for the owner account.
// On ActivationTimeoutError the returned handle identifies the submitted
// operation for out-of-band follow-up; nothing has been persisted. On
// PersistenceError the activation IS live on the ledger but not recorded
// locally; the session value is still returned so the caller can reconcile.
func (s *InstallService) CreateSession(ctx context.Context, owner common.Address) (driven.OperationHandle, model.SessionKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return "", model.SessionKey{}, fmt.Errorf("generate delegate key: %w", err)
	}
	signingKey := "0x" + hex.EncodeToString(crypto.FromECDSA(priv))
	delegate := crypto.PubkeyToAddress(priv.PublicKey)

	scopeEntityID, err := s.randEntity()
	if err != nil {
		return "", model.SessionKey{}, fmt.Errorf("generate scope entity id: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	descriptor, err := BuildInstallDescriptor(s.cfg.Modules, delegate, scopeEntityID, s.cfg.HookEntityID, now, s.cfg.SessionDuration)
	if err != nil {
		return "", model.SessionKey{}, err
	}

	handle, err := s.ledger.InstallValidation(ctx, owner, descriptor)
	if err != nil {
		if errors.Is(err, driven.ErrOperationRejected) {
			return "", model.SessionKey{}, fmt.Errorf("%w: %v", ErrActivationRejected, err)
		}
		return "", model.SessionKey{}, fmt.Errorf("submit install: %w", err)
	}

	if err := s.awaitConfirmation(ctx, handle); err != nil {
		return handle, model.SessionKey{}, err
	}

	session := model.SessionKey{
		ID:              s.newID(),
		OwnerAddress:    owner,
		DelegateAddress: delegate,
		SigningKey:      signingKey,
		ScopeEntityID:   scopeEntityID,
		HookEntityID:    s.cfg.HookEntityID,
		IssuedAt:        now,
		ValidAfter:      descriptor.TimeRangeHook.ValidAfter,
		ValidUntil:      descriptor.TimeRangeHook.ValidUntil,
	}

	if err := s.store.Put(ctx, session); err != nil {
		// The credential is live on the ledger; surfacing the handle is the
		// reconciliation path, so this inconsistency is loud, never swallowed.
		slog.Error("session activation confirmed but store write failed",
			"operation", handle,
			"session_id", session.ID,
			"owner", owner.Hex(),
			"error", err,
		)
		return handle, session, &PersistenceError{Handle: handle, Err: err}
	}

	slog.Info("session created",
		"session_id", session.ID,
		"owner", owner.Hex(),
		"delegate", delegate.Hex(),
		"valid_until", session.ValidUntil,
	)
	return handle, session, nil
}

// awaitConfirmation polls the ledger until the operation confirms, the
// bounded budget runs out, or the context is canceled.
func (s *InstallService) awaitConfirmation(ctx context.Context, handle driven.OperationHandle) error {
	deadline := time.Now().Add(s.cfg.ConfirmBudget)

	for {
		confirmed, err := s.ledger.OperationConfirmed(ctx, handle)
		if err != nil {
			if errors.Is(err, driven.ErrOperationRejected) {
				return fmt.Errorf("%w: %v", ErrActivationRejected, err)
			}
			return fmt.Errorf("check activation: %w", err)
		}
		if confirmed {
			return nil
		}

		if time.Now().After(deadline) {
			return &ActivationTimeoutError{Handle: handle}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ConfirmInterval):
		}
	}
}

// RevokeSession uninstalls the session's validation on the ledger, then
// removes the local record. Returns the revocation transaction hash.
func (s *InstallService) RevokeSession(ctx context.Context, owner common.Address, sessionID uuid.UUID) (string, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.OwnerAddress != owner {
		return "", fmt.Errorf("session %s: %w", sessionID, driven.ErrSessionNotFound)
	}

	txHash, err := s.ledger.UninstallValidation(ctx, owner, session.ScopeEntityID, session.HookEntityID)
	if err != nil {
		return "", fmt.Errorf("uninstall validation: %w", err)
	}

	if err := s.store.Delete(ctx, sessionID); err != nil {
		return txHash, fmt.Errorf("delete session %s after revocation: %w", sessionID, err)
	}

	slog.Info("session revoked",
		"session_id", sessionID,
		"owner", owner.Hex(),
		"tx_hash", txHash,
	)
	return txHash, nil
}

// randomEntityID draws a uniform random uint32 scope entity id, mirroring
// the entity-id space of the validation module.
func randomEntityID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
