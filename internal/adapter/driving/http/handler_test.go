package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/mboyle/agentpay/internal/adapter/driving/http"
	"github.com/mboyle/agentpay/internal/application"
	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockIssuer struct {
	handle    driven.OperationHandle
	session   model.SessionKey
	createErr error

	revokedOwner common.Address
	revokedID    uuid.UUID
	txHash       string
	revokeErr    error
}

func (m *mockIssuer) CreateSession(_ context.Context, _ common.Address) (driven.OperationHandle, model.SessionKey, error) {
	return m.handle, m.session, m.createErr
}

func (m *mockIssuer) RevokeSession(_ context.Context, owner common.Address, id uuid.UUID) (string, error) {
	m.revokedOwner = owner
	m.revokedID = id
	return m.txHash, m.revokeErr
}

type mockTransfers struct {
	recipient common.Address
	amount    decimal.Decimal
	receipt   model.SettlementReceipt
	err       error
}

func (m *mockTransfers) Transfer(_ context.Context, _ model.SessionKey, recipient common.Address, amount decimal.Decimal) (model.SettlementReceipt, error) {
	m.recipient = recipient
	m.amount = amount
	return m.receipt, m.err
}

type mockResources struct {
	resourceIDs []string
	results     []application.ResourceResult
	err         error
}

func (m *mockResources) Run(_ context.Context, _ model.SessionKey, resourceIDs []string) ([]application.ResourceResult, error) {
	m.resourceIDs = resourceIDs
	return m.results, m.err
}

type mockSessionStore struct {
	session  model.SessionKey
	getErr   error
	sessions []model.SessionKey
	listErr  error
}

func (m *mockSessionStore) Put(_ context.Context, _ model.SessionKey) error { return nil }
func (m *mockSessionStore) Get(_ context.Context, _ uuid.UUID) (model.SessionKey, error) {
	return m.session, m.getErr
}
func (m *mockSessionStore) Delete(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockSessionStore) ListLive(_ context.Context) ([]model.SessionKey, error) {
	return m.sessions, m.listErr
}
func (m *mockSessionStore) PurgeExpired(_ context.Context) (int, error) { return 0, nil }

// --- Test helpers ---

var (
	testOwnerAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testDelegateAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testModuleAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testSession() model.SessionKey {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.SessionKey{
		ID:              uuid.MustParse("6f1c2a34-9d0b-4c55-8a6e-0f3d9b1c7e21"),
		OwnerAddress:    testOwnerAddr,
		DelegateAddress: testDelegateAddr,
		SigningKey:      "0xdeadbeef",
		ScopeEntityID:   42,
		HookEntityID:    1,
		IssuedAt:        issued,
		ValidAfter:      issued.Add(-5 * time.Minute),
		ValidUntil:      issued.Add(65 * time.Minute),
	}
}

type handlerMocks struct {
	issuer    *mockIssuer
	transfers *mockTransfers
	resources *mockResources
	store     *mockSessionStore
}

func newTestServer(m handlerMocks) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if m.issuer == nil {
		m.issuer = &mockIssuer{}
	}
	if m.transfers == nil {
		m.transfers = &mockTransfers{}
	}
	if m.resources == nil {
		m.resources = &mockResources{}
	}
	if m.store == nil {
		m.store = &mockSessionStore{}
	}
	h := httphandler.NewHandler(m.issuer, m.transfers, m.resources, m.store, testModuleAddr, logger)
	return httphandler.NewServeMux(h, logger)
}

func doJSON(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// --- Tests ---

func TestCreateSession(t *testing.T) {
	session := testSession()
	issuer := &mockIssuer{handle: "0xop1", session: session}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/create",
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, testDelegateAddr.Hex(), body["sessionKeyAddress"])
	assert.Equal(t, session.ID.String(), body["currentSessionId"])
	assert.Equal(t, "2026-03-01T13:05:00Z", body["expiration"])

	params, ok := body["installParams"].(map[string]any)
	require.True(t, ok)
	validation := params["validationConfig"].(map[string]any)
	assert.Equal(t, testModuleAddr.Hex(), validation["moduleAddress"])
	assert.Equal(t, float64(42), validation["entityId"])
	hook := params["hookConfig"].(map[string]any)
	assert.Equal(t, float64(1), hook["entityId"])
	assert.Equal(t, []any{"0xb61d27f6", "0x34fcd5be"}, params["selectors"])
}

func TestCreateSession_MissingAddress(t *testing.T) {
	srv := newTestServer(handlerMocks{})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/create", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decodeBody(t, rec)["error_kind"])
}

func TestCreateSession_ActivationRejected(t *testing.T) {
	issuer := &mockIssuer{createErr: application.ErrActivationRejected}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/create",
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "activation_rejected", decodeBody(t, rec)["error_kind"])
}

func TestCreateSession_ActivationTimeout(t *testing.T) {
	issuer := &mockIssuer{createErr: &application.ActivationTimeoutError{Handle: "0xop1"}}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/create",
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "activation_timeout", decodeBody(t, rec)["error_kind"])
}

func TestCreateSession_PersistenceFailure(t *testing.T) {
	issuer := &mockIssuer{
		handle:    "0xop1",
		session:   testSession(),
		createErr: &application.PersistenceError{Handle: "0xop1", Err: errors.New("disk full")},
	}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/create",
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "persistence_failed", body["error_kind"])
	assert.Equal(t, "Session key creation failed", body["error"])
}

func TestGetSession(t *testing.T) {
	session := testSession()
	srv := newTestServer(handlerMocks{store: &mockSessionStore{session: session}})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+session.ID.String(), "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, session.ID.String(), body["sessionId"])
	assert.Equal(t, testOwnerAddr.Hex(), body["accountAddress"])
	assert.Equal(t, testDelegateAddr.Hex(), body["sessionKeyAddress"])
	assert.NotContains(t, rec.Body.String(), "0xdeadbeef", "signing key never leaves the server")
}

func TestGetSession_NotFound(t *testing.T) {
	srv := newTestServer(handlerMocks{store: &mockSessionStore{getErr: driven.ErrSessionNotFound}})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+uuid.NewString(), "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Session not found", body["error"])
	assert.Equal(t, "session_not_found", body["error_kind"])
}

func TestGetSession_BadID(t *testing.T) {
	srv := newTestServer(handlerMocks{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/not-a-uuid", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(handlerMocks{store: &mockSessionStore{
		sessions: []model.SessionKey{testSession()},
	}})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, testDelegateAddr.Hex(), list[0]["sessionKeyAddress"])
}

func TestListSessions_Empty(t *testing.T) {
	srv := newTestServer(handlerMocks{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTransfer(t *testing.T) {
	session := testSession()
	transfers := &mockTransfers{receipt: model.SettlementReceipt{Ref: "0xabc123", ConfirmedAt: time.Now()}}
	srv := newTestServer(handlerMocks{
		store:     &mockSessionStore{session: session},
		transfers: transfers,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/transfer",
		`{"accountAddress":"0x1111111111111111111111111111111111111111",
		  "sessionId":"`+session.ID.String()+`",
		  "recipient":"0x4444444444444444444444444444444444444444",
		  "amount":"0.03"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "0xabc123", body["transactionHash"])

	assert.Equal(t, common.HexToAddress("0x4444444444444444444444444444444444444444"), transfers.recipient)
	assert.True(t, transfers.amount.Equal(decimal.RequireFromString("0.03")))
}

func TestTransfer_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no session", `{"recipient":"0x4444444444444444444444444444444444444444","amount":"1"}`},
		{"no recipient", `{"sessionId":"` + uuid.NewString() + `","amount":"1"}`},
		{"no amount", `{"sessionId":"` + uuid.NewString() + `","recipient":"0x4444444444444444444444444444444444444444"}`},
		{"bad amount", `{"sessionId":"` + uuid.NewString() + `","recipient":"0x4444444444444444444444444444444444444444","amount":"-1"}`},
		{"bad recipient", `{"sessionId":"` + uuid.NewString() + `","recipient":"bogus","amount":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(handlerMocks{})
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/transfer", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_argument", decodeBody(t, rec)["error_kind"])
		})
	}
}

func TestTransfer_UnknownSession(t *testing.T) {
	srv := newTestServer(handlerMocks{store: &mockSessionStore{getErr: driven.ErrSessionNotFound}})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/transfer",
		`{"sessionId":"`+uuid.NewString()+`",
		  "recipient":"0x4444444444444444444444444444444444444444","amount":"0.03"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransfer_Expired(t *testing.T) {
	transfers := &mockTransfers{err: application.ErrCredentialExpired}
	srv := newTestServer(handlerMocks{
		store:     &mockSessionStore{session: testSession()},
		transfers: transfers,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/transfer",
		`{"sessionId":"`+uuid.NewString()+`",
		  "recipient":"0x4444444444444444444444444444444444444444","amount":"0.03"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "credential_expired", decodeBody(t, rec)["error_kind"])
}

func TestTransfer_SettlementTimeoutCarriesRef(t *testing.T) {
	transfers := &mockTransfers{err: &application.SettlementTimeoutError{Ref: "0xpending"}}
	srv := newTestServer(handlerMocks{
		store:     &mockSessionStore{session: testSession()},
		transfers: transfers,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/transfer",
		`{"sessionId":"`+uuid.NewString()+`",
		  "recipient":"0x4444444444444444444444444444444444444444","amount":"0.03"}`)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "settlement_timeout", body["error_kind"])
	assert.Equal(t, "0xpending", body["transactionHash"], "pending ref is surfaced for follow-up")
}

func TestRevokeSession(t *testing.T) {
	session := testSession()
	issuer := &mockIssuer{txHash: "0xrevoked"}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+session.ID.String(),
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, session.ID.String(), body["revokedKey"])
	assert.Equal(t, "0xrevoked", body["txHash"])
	assert.Equal(t, testOwnerAddr, issuer.revokedOwner)
	assert.Equal(t, session.ID, issuer.revokedID)
}

func TestRevokeSession_NotFound(t *testing.T) {
	issuer := &mockIssuer{revokeErr: driven.ErrSessionNotFound}
	srv := newTestServer(handlerMocks{issuer: issuer})

	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+uuid.NewString(),
		`{"accountAddress":"0x1111111111111111111111111111111111111111"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchResources(t *testing.T) {
	session := testSession()
	resources := &mockResources{results: []application.ResourceResult{
		{ResourceID: "quote/1", Payload: json.RawMessage(`{"price":1}`)},
		{ResourceID: "quote/2", Payload: json.RawMessage(`{"price":2}`)},
	}}
	srv := newTestServer(handlerMocks{
		store:     &mockSessionStore{session: session},
		resources: resources,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/resources/fetch",
		`{"sessionId":"`+session.ID.String()+`","resourceIds":["quote/1","quote/2"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"quote/1", "quote/2"}, resources.resourceIDs)

	var resp struct {
		Results []struct {
			ResourceID string          `json:"resourceId"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "quote/1", resp.Results[0].ResourceID)
	assert.JSONEq(t, `{"price":2}`, string(resp.Results[1].Payload))
}

func TestFetchResources_PartialFailure(t *testing.T) {
	session := testSession()
	resources := &mockResources{
		results: []application.ResourceResult{
			{ResourceID: "quote/1", Payload: json.RawMessage(`{"price":1}`)},
		},
		err: application.ErrPaymentRejected,
	}
	srv := newTestServer(handlerMocks{
		store:     &mockSessionStore{session: session},
		resources: resources,
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/resources/fetch",
		`{"sessionId":"`+session.ID.String()+`","resourceIds":["quote/1","quote/2"]}`)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "payment_rejected", body["error_kind"])
	results := body["results"].([]any)
	require.Len(t, results, 1, "completed results survive the failure")
}

func TestFetchResources_MissingFields(t *testing.T) {
	srv := newTestServer(handlerMocks{})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/resources/fetch", `{"resourceIds":[]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(handlerMocks{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
