package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SessionStore = (*SessionRepo)(nil)

// SessionRepo is the SQLite implementation of the SessionStore port.
// Signing keys are encrypted with AES-256-GCM before write and decrypted
// after read; all other columns are stored in the clear.
type SessionRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil when encryption is disabled.
	now func() time.Time
}

// NewSessionRepo creates a SessionRepo. key must be 32 bytes for AES-256-GCM,
// or nil to disable session storage (mutating and reading operations return
// driven.ErrSecretKeyNotSet).
func NewSessionRepo(db *DB, key []byte) *SessionRepo {
	return &SessionRepo{db: db, key: key, now: time.Now}
}

// Put stores a new session record. The insert is a single statement, so a
// reader can never observe a partial record; INSERT OR IGNORE plus the
// affected-row count turns a primary key collision into ErrSessionExists
// without a read-modify-write race.
func (r *SessionRepo) Put(ctx context.Context, session model.SessionKey) error {
	encrypted, err := r.encrypt(session.SigningKey)
	if err != nil {
		return err
	}

	const query = `INSERT OR IGNORE INTO sessions
		(id, owner_address, delegate_address, signing_key, scope_entity_id, hook_entity_id, issued_at, valid_after, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.Writer.ExecContext(ctx, query,
		session.ID.String(),
		session.OwnerAddress.Hex(),
		session.DelegateAddress.Hex(),
		encrypted,
		session.ScopeEntityID,
		session.HookEntityID,
		session.IssuedAt.Unix(),
		session.ValidAfter.Unix(),
		session.ValidUntil.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put session %s: rows affected: %w", session.ID, err)
	}
	if n == 0 {
		return driven.ErrSessionExists
	}
	return nil
}

// Get returns the session with the given id. Expired rows are treated as
// absent regardless of whether the sweeper has removed them yet.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (model.SessionKey, error) {
	if r.key == nil {
		return model.SessionKey{}, driven.ErrSecretKeyNotSet
	}

	const query = `SELECT id, owner_address, delegate_address, signing_key, scope_entity_id, hook_entity_id, issued_at, valid_after, valid_until
		FROM sessions WHERE id = ?`
	session, err := r.scanSession(r.db.Reader.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionKey{}, driven.ErrSessionNotFound
	}
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("get session %s: %w", id, err)
	}

	if session.ExpiredAt(r.now()) {
		return model.SessionKey{}, driven.ErrSessionNotFound
	}
	return session, nil
}

// Delete removes the session with the given id. Deleting an absent id is a
// no-op.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM sessions WHERE id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, id.String()); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListLive returns all sessions whose validity window contains the current
// time.
func (r *SessionRepo) ListLive(ctx context.Context) ([]model.SessionKey, error) {
	if r.key == nil {
		return nil, driven.ErrSecretKeyNotSet
	}

	now := r.now().Unix()
	const query = `SELECT id, owner_address, delegate_address, signing_key, scope_entity_id, hook_entity_id, issued_at, valid_after, valid_until
		FROM sessions WHERE valid_after <= ? AND valid_until >= ?`
	rows, err := r.db.Reader.QueryContext(ctx, query, now, now)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionKey
	for rows.Next() {
		session, err := r.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if sessions == nil {
		sessions = []model.SessionKey{}
	}
	return sessions, nil
}

// PurgeExpired removes all rows past their validUntil bound and returns the
// number removed.
func (r *SessionRepo) PurgeExpired(ctx context.Context) (int, error) {
	const query = `DELETE FROM sessions WHERE valid_until < ?`
	res, err := r.db.Writer.ExecContext(ctx, query, r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: rows affected: %w", err)
	}
	return int(n), nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanSession.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one row into a SessionKey, decrypting the signing key.
func (r *SessionRepo) scanSession(row rowScanner) (model.SessionKey, error) {
	var (
		idStr, ownerHex, delegateHex, encrypted string
		issuedAt, validAfter, validUntil        int64
		session                                 model.SessionKey
	)
	err := row.Scan(&idStr, &ownerHex, &delegateHex, &encrypted,
		&session.ScopeEntityID, &session.HookEntityID,
		&issuedAt, &validAfter, &validUntil)
	if err != nil {
		return model.SessionKey{}, err
	}

	session.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("parse session id %q: %w", idStr, err)
	}
	session.OwnerAddress = common.HexToAddress(ownerHex)
	session.DelegateAddress = common.HexToAddress(delegateHex)

	session.SigningKey, err = r.decrypt(encrypted)
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("decrypt signing key: %w", err)
	}

	session.IssuedAt = time.Unix(issuedAt, 0).UTC()
	session.ValidAfter = time.Unix(validAfter, 0).UTC()
	session.ValidUntil = time.Unix(validUntil, 0).UTC()
	return session, nil
}

// encrypt encrypts plaintext using AES-256-GCM and returns a base64-encoded
// string containing the nonce (12 bytes) prepended to the ciphertext.
func (r *SessionRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrSecretKeyNotSet
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a base64-encoded AES-256-GCM ciphertext.
func (r *SessionRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}
