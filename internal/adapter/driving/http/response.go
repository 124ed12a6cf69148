package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mboyle/agentpay/internal/application"
	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// Stable machine-readable error kinds carried alongside human-readable
// messages. Clients branch on these, never on message text.
const (
	kindInvalidArgument   = "invalid_argument"
	kindSessionNotFound   = "session_not_found"
	kindSessionExists     = "session_exists"
	kindActivationFailed  = "activation_rejected"
	kindActivationTimeout = "activation_timeout"
	kindCredentialExpired = "credential_expired"
	kindPaymentRejected   = "payment_rejected"
	kindSettlementTimeout = "settlement_timeout"
	kindSubmissionFailed  = "submission_failed"
	kindPersistenceFailed = "persistence_failed"
	kindUpstreamError     = "upstream_error"
	kindInternal          = "internal"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error","error_kind":"internal"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status, kind, and message.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, ErrorKind: kind})
}

// writeAppError maps a domain or application error to its HTTP shape.
// fallback is the message used when the error carries no client-safe text.
func writeAppError(w http.ResponseWriter, err error, fallback string) {
	status, kind := classify(err)
	message := fallback
	switch kind {
	case kindSessionNotFound:
		message = "Session not found"
	case kindSessionExists:
		message = "Session already exists"
	case kindCredentialExpired:
		message = "session key expired"
	case kindPaymentRejected:
		message = "payment proof rejected by resource server"
	}
	writeError(w, status, kind, message)
}

// classify maps an error chain to an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	var (
		timeoutErr *application.ActivationTimeoutError
		settleErr  *application.SettlementTimeoutError
		submitErr  *application.SubmissionFailedError
		persistErr *application.PersistenceError
		gatewayErr *driven.GatewayStatusError
	)

	switch {
	case errors.Is(err, driven.ErrSessionNotFound):
		return http.StatusNotFound, kindSessionNotFound
	case errors.Is(err, driven.ErrSessionExists):
		return http.StatusConflict, kindSessionExists
	case errors.Is(err, application.ErrInvalidDuration):
		return http.StatusBadRequest, kindInvalidArgument
	case errors.Is(err, application.ErrCredentialExpired):
		return http.StatusForbidden, kindCredentialExpired
	case errors.Is(err, application.ErrActivationRejected):
		return http.StatusBadGateway, kindActivationFailed
	case errors.Is(err, application.ErrPaymentRejected):
		return http.StatusPaymentRequired, kindPaymentRejected
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, kindActivationTimeout
	case errors.As(err, &settleErr):
		return http.StatusGatewayTimeout, kindSettlementTimeout
	case errors.As(err, &submitErr):
		return http.StatusBadGateway, kindSubmissionFailed
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, kindPersistenceFailed
	case errors.As(err, &gatewayErr):
		return http.StatusBadGateway, kindUpstreamError
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// CreateSessionRequest is the JSON body for the create session endpoint.
type CreateSessionRequest struct {
	AccountAddress string `json:"accountAddress"`
}

// RevokeSessionRequest is the JSON body for the revoke session endpoint.
type RevokeSessionRequest struct {
	AccountAddress string `json:"accountAddress"`
}

// TransferRequest is the JSON body for the transfer endpoint. Amount is the
// human-denominated token amount as a decimal string, e.g. "0.03".
type TransferRequest struct {
	AccountAddress string `json:"accountAddress"`
	SessionID      string `json:"sessionId"`
	Recipient      string `json:"recipient"`
	Amount         string `json:"amount"`
}

// FetchResourcesRequest is the JSON body for the gated retrieval endpoint.
type FetchResourcesRequest struct {
	AccountAddress string   `json:"accountAddress"`
	SessionID      string   `json:"sessionId"`
	ResourceIDs    []string `json:"resourceIds"`
}

// ValidationConfigResponse mirrors the on-chain validation installation that
// gave the session key its standing.
type ValidationConfigResponse struct {
	ModuleAddress string `json:"moduleAddress"`
	EntityID      uint32 `json:"entityId"`
}

// HookConfigResponse mirrors the installed time-range hook.
type HookConfigResponse struct {
	EntityID   uint32 `json:"entityId"`
	ValidAfter int64  `json:"validAfter"`
	ValidUntil int64  `json:"validUntil"`
}

// InstallParamsResponse is the JSON view of a session's installation scope.
type InstallParamsResponse struct {
	ValidationConfig ValidationConfigResponse `json:"validationConfig"`
	Selectors        []string                 `json:"selectors"`
	HookConfig       HookConfigResponse       `json:"hookConfig"`
}

// CreateSessionResponse is the JSON body returned by the create endpoint.
type CreateSessionResponse struct {
	SessionKeyAddress string                `json:"sessionKeyAddress"`
	InstallParams     InstallParamsResponse `json:"installParams"`
	CurrentSessionID  string                `json:"currentSessionId"`
	Expiration        string                `json:"expiration"`
}

// SessionResponse is the JSON representation of one stored session.
type SessionResponse struct {
	SessionID         string                `json:"sessionId"`
	AccountAddress    string                `json:"accountAddress"`
	SessionKeyAddress string                `json:"sessionKeyAddress"`
	InstallParams     InstallParamsResponse `json:"installParams"`
	IssuedAt          string                `json:"issuedAt"`
	Expiration        string                `json:"expiration"`
}

// TransferResponse is the JSON body returned when a transfer settles.
type TransferResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
}

// TransferTimeoutResponse is returned when a submitted transfer has not
// settled within the polling budget. TransactionHash identifies the pending
// settlement for out-of-band follow-up.
type TransferTimeoutResponse struct {
	Error           string `json:"error"`
	ErrorKind       string `json:"error_kind"`
	TransactionHash string `json:"transactionHash"`
}

// RevokeSessionResponse is the JSON body returned by the revoke endpoint.
type RevokeSessionResponse struct {
	Success    bool   `json:"success"`
	RevokedKey string `json:"revokedKey"`
	TxHash     string `json:"txHash"`
}

// ResourceResultResponse pairs one requested resource with its payload.
type ResourceResultResponse struct {
	ResourceID string          `json:"resourceId"`
	Payload    json.RawMessage `json:"payload"`
}

// FetchResourcesResponse carries ordered retrieval results. On failure the
// results collected before the failing resource are still present.
type FetchResourcesResponse struct {
	Results   []ResourceResultResponse `json:"results"`
	Error     string                   `json:"error,omitempty"`
	ErrorKind string                   `json:"error_kind,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toInstallParamsResponse reconstructs the installation scope view from a
// stored session. The selector set is fixed for every session.
func toInstallParamsResponse(s model.SessionKey, validationModule string) InstallParamsResponse {
	return InstallParamsResponse{
		ValidationConfig: ValidationConfigResponse{
			ModuleAddress: validationModule,
			EntityID:      s.ScopeEntityID,
		},
		Selectors: []string{string(model.SelectorExecute), string(model.SelectorExecuteBatch)},
		HookConfig: HookConfigResponse{
			EntityID:   s.HookEntityID,
			ValidAfter: s.ValidAfter.Unix(),
			ValidUntil: s.ValidUntil.Unix(),
		},
	}
}

// toCreateSessionResponse converts a freshly issued session to its JSON shape.
func toCreateSessionResponse(s model.SessionKey, validationModule string) CreateSessionResponse {
	return CreateSessionResponse{
		SessionKeyAddress: s.DelegateAddress.Hex(),
		InstallParams:     toInstallParamsResponse(s, validationModule),
		CurrentSessionID:  s.ID.String(),
		Expiration:        s.ValidUntil.UTC().Format(time.RFC3339),
	}
}

// toSessionResponse converts a stored session to its JSON shape.
func toSessionResponse(s model.SessionKey, validationModule string) SessionResponse {
	return SessionResponse{
		SessionID:         s.ID.String(),
		AccountAddress:    s.OwnerAddress.Hex(),
		SessionKeyAddress: s.DelegateAddress.Hex(),
		InstallParams:     toInstallParamsResponse(s, validationModule),
		IssuedAt:          s.IssuedAt.UTC().Format(time.RFC3339),
		Expiration:        s.ValidUntil.UTC().Format(time.RFC3339),
	}
}
