package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mboyle/agentpay/internal/application"
	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// SessionIssuer is the slice of InstallService the HTTP layer needs.
type SessionIssuer interface {
	CreateSession(ctx context.Context, owner common.Address) (driven.OperationHandle, model.SessionKey, error)
	RevokeSession(ctx context.Context, owner common.Address, sessionID uuid.UUID) (string, error)
}

// TransferRunner is the slice of TransferService the HTTP layer needs.
type TransferRunner interface {
	Transfer(ctx context.Context, session model.SessionKey, recipient common.Address, amount decimal.Decimal) (model.SettlementReceipt, error)
}

// ResourceRunner is the slice of Orchestrator the HTTP layer needs.
type ResourceRunner interface {
	Run(ctx context.Context, session model.SessionKey, resourceIDs []string) ([]application.ResourceResult, error)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	issuer           SessionIssuer
	transfers        TransferRunner
	resources        ResourceRunner
	store            driven.SessionStore
	validationModule common.Address
	logger           *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
// validationModule is echoed back in session install params so clients can
// reconstruct the on-chain scope without a second source of truth.
func NewHandler(
	issuer SessionIssuer,
	transfers TransferRunner,
	resources ResourceRunner,
	store driven.SessionStore,
	validationModule common.Address,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		issuer:           issuer,
		transfers:        transfers,
		resources:        resources,
		store:            store,
		validationModule: validationModule,
		logger:           logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions/create", h.CreateSession)
	mux.HandleFunc("POST /api/v1/sessions/transfer", h.Transfer)
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionId}", h.RevokeSession)
	mux.HandleFunc("POST /api/v1/resources/fetch", h.FetchResources)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// CreateSession issues a new delegated session key for the owner account.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.AccountAddress) {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "accountAddress is required")
		return
	}
	owner := common.HexToAddress(req.AccountAddress)

	handle, session, err := h.issuer.CreateSession(r.Context(), owner)
	if err != nil {
		var persistErr *application.PersistenceError
		if errors.As(err, &persistErr) {
			// The key is live on chain but unrecorded; the caller gets the
			// operation handle so the grant can be reconciled or revoked.
			h.logger.Error("session persisted nowhere after activation", "operation", handle, "error", err)
			writeError(w, http.StatusInternalServerError, kindPersistenceFailed, "Session key creation failed")
			return
		}
		h.logger.Error("session creation failed", "owner", owner.Hex(), "error", err)
		writeAppError(w, err, "Session key creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, toCreateSessionResponse(session, h.validationModule.Hex()))
}

// GetSession returns one stored session by id.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid session id")
		return
	}

	session, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		h.logGetFailure("get session", sessionID, err)
		writeAppError(w, err, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session, h.validationModule.Hex()))
}

// ListSessions returns every live (unexpired) session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListLive(r.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal server error")
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s, h.validationModule.Hex()))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Transfer moves tokens from the owner account via a stored session key.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Recipient == "" || req.Amount == "" {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "sessionId, recipient, and amount are required")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid session id")
		return
	}
	if !common.IsHexAddress(req.Recipient) {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid recipient address")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "amount must be a positive decimal")
		return
	}

	session, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		h.logGetFailure("transfer session lookup", sessionID, err)
		writeAppError(w, err, "internal server error")
		return
	}

	receipt, err := h.transfers.Transfer(r.Context(), session, common.HexToAddress(req.Recipient), amount)
	if err != nil {
		var timeoutErr *application.SettlementTimeoutError
		if errors.As(err, &timeoutErr) {
			// The transfer was submitted exactly once and may yet settle.
			writeJSON(w, http.StatusGatewayTimeout, TransferTimeoutResponse{
				Error:           "settlement not confirmed within budget",
				ErrorKind:       kindSettlementTimeout,
				TransactionHash: string(timeoutErr.Ref),
			})
			return
		}
		h.logger.Error("transfer failed", "session_id", sessionID, "error", err)
		writeAppError(w, err, "Transfer failed")
		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{
		Success:         true,
		TransactionHash: string(receipt.Ref),
	})
}

// RevokeSession uninstalls the session's validation and deletes the record.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid session id")
		return
	}

	var req RevokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !common.IsHexAddress(req.AccountAddress) {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "accountAddress is required")
		return
	}

	txHash, err := h.issuer.RevokeSession(r.Context(), common.HexToAddress(req.AccountAddress), sessionID)
	if err != nil {
		h.logGetFailure("revoke session", sessionID, err)
		writeAppError(w, err, "Session revocation failed")
		return
	}

	writeJSON(w, http.StatusOK, RevokeSessionResponse{
		Success:    true,
		RevokedKey: sessionID.String(),
		TxHash:     txHash,
	})
}

// FetchResources runs the payment-gated retrieval loop over an ordered
// resource list under one session. Results collected before a failure are
// returned alongside the error.
func (h *Handler) FetchResources(w http.ResponseWriter, r *http.Request) {
	var req FetchResourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid request body")
		return
	}
	if req.SessionID == "" || len(req.ResourceIDs) == 0 {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "sessionId and resourceIds are required")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidArgument, "invalid session id")
		return
	}

	session, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		h.logGetFailure("fetch session lookup", sessionID, err)
		writeAppError(w, err, "internal server error")
		return
	}

	results, runErr := h.resources.Run(r.Context(), session, req.ResourceIDs)

	resp := FetchResourcesResponse{
		Results: make([]ResourceResultResponse, 0, len(results)),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, ResourceResultResponse{
			ResourceID: res.ResourceID,
			Payload:    res.Payload,
		})
	}

	if runErr != nil {
		h.logger.Error("gated retrieval aborted",
			"session_id", sessionID,
			"completed", len(results),
			"requested", len(req.ResourceIDs),
			"error", runErr,
		)
		status, kind := classify(runErr)
		resp.Error = runErr.Error()
		resp.ErrorKind = kind
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// logGetFailure keeps not-found lookups out of the error log.
func (h *Handler) logGetFailure(op string, sessionID uuid.UUID, err error) {
	if errors.Is(err, driven.ErrSessionNotFound) {
		h.logger.Debug(op, "session_id", sessionID, "error", err)
		return
	}
	h.logger.Error(op+" failed", "session_id", sessionID, "error", err)
}
