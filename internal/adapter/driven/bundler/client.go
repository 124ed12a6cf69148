// Package bundler implements the Ledger port against an account-abstraction
// bundler service's HTTP API.
package bundler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Ledger = (*Client)(nil)

// Client implements the driven.Ledger port over the bundler's REST API.
// Install and uninstall operations ride on the owner's standing authorization
// (API key + gas policy); transfers are signed locally with the session's
// delegate key before submission.
type Client struct {
	baseURL      string
	apiKey       string
	policyID     string
	tokenAddress common.Address
	httpClient   *http.Client
}

// NewClient creates a bundler API client. policyID selects the gas
// sponsorship policy applied to submitted operations; tokenAddress is the
// asset contract transfers are drawn from.
func NewClient(baseURL, apiKey, policyID string, tokenAddress common.Address) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		policyID:     policyID,
		tokenAddress: tokenAddress,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// Intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, apiKey, policyID string, tokenAddress common.Address) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		policyID:     policyID,
		tokenAddress: tokenAddress,
		httpClient:   httpClient,
	}
}

type validationConfigDTO struct {
	ModuleAddress         string `json:"moduleAddress"`
	EntityID              uint32 `json:"entityId"`
	IsGlobal              bool   `json:"isGlobal"`
	IsSignatureValidation bool   `json:"isSignatureValidation"`
	IsUserOpValidation    bool   `json:"isUserOpValidation"`
}

type timeRangeHookDTO struct {
	ModuleAddress string `json:"moduleAddress"`
	EntityID      uint32 `json:"entityId"`
	ValidAfter    int64  `json:"validAfter"`
	ValidUntil    int64  `json:"validUntil"`
}

type installRequest struct {
	Account          string              `json:"account"`
	PolicyID         string              `json:"policyId"`
	ValidationConfig validationConfigDTO `json:"validationConfig"`
	Signer           string              `json:"signer"`
	Selectors        []string            `json:"selectors"`
	TimeRangeHook    timeRangeHookDTO    `json:"timeRangeHook"`
}

type operationResponse struct {
	OperationHash string `json:"operationHash"`
}

type operationStatusResponse struct {
	Status string `json:"status"` // "pending", "confirmed" or "rejected"
}

type transferRequest struct {
	Account   string `json:"account"`
	EntityID  uint32 `json:"entityId"`
	PolicyID  string `json:"policyId"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"` // base units, decimal string
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type transferResponse struct {
	SettlementRef string `json:"settlementRef"`
}

type receiptResponse struct {
	Status      string `json:"status"` // "pending", "confirmed" or "failed"
	ConfirmedAt int64  `json:"confirmedAt,omitempty"`
}

type uninstallRequest struct {
	Account      string `json:"account"`
	PolicyID     string `json:"policyId"`
	EntityID     uint32 `json:"entityId"`
	HookEntityID uint32 `json:"hookEntityId"`
}

type uninstallResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// InstallValidation submits the descriptor for activation against the
// owner's account. The bundler authorizes the submission with the owner's
// standing credentials; the descriptor's delegate signer has none yet.
func (c *Client) InstallValidation(ctx context.Context, owner common.Address, d model.InstallDescriptor) (driven.OperationHandle, error) {
	selectors := make([]string, 0, len(d.Selectors))
	for _, s := range d.Selectors {
		selectors = append(selectors, string(s))
	}

	req := installRequest{
		Account:  owner.Hex(),
		PolicyID: c.policyID,
		ValidationConfig: validationConfigDTO{
			ModuleAddress:         d.ValidationConfig.ModuleAddress.Hex(),
			EntityID:              d.ValidationConfig.EntityID,
			IsGlobal:              d.ValidationConfig.IsGlobal,
			IsSignatureValidation: d.ValidationConfig.IsSignatureValidation,
			IsUserOpValidation:    d.ValidationConfig.IsUserOpValidation,
		},
		Signer:    d.Signer.Hex(),
		Selectors: selectors,
		TimeRangeHook: timeRangeHookDTO{
			ModuleAddress: d.TimeRangeHook.ModuleAddress.Hex(),
			EntityID:      d.TimeRangeHook.EntityID,
			ValidAfter:    d.TimeRangeHook.ValidAfter.Unix(),
			ValidUntil:    d.TimeRangeHook.ValidUntil.Unix(),
		},
	}

	var resp operationResponse
	if err := c.post(ctx, "/v1/validations/install", req, &resp); err != nil {
		return "", fmt.Errorf("install validation for %s: %w", owner.Hex(), err)
	}
	return driven.OperationHandle(resp.OperationHash), nil
}

// OperationConfirmed reports whether the operation has been confirmed.
// A definitive "rejected" status maps to driven.ErrOperationRejected.
func (c *Client) OperationConfirmed(ctx context.Context, handle driven.OperationHandle) (bool, error) {
	var resp operationStatusResponse
	if err := c.get(ctx, "/v1/operations/"+string(handle), &resp); err != nil {
		return false, fmt.Errorf("operation status %s: %w", handle, err)
	}

	switch resp.Status {
	case "confirmed":
		return true, nil
	case "rejected":
		return false, driven.ErrOperationRejected
	default:
		return false, nil
	}
}

// UninstallValidation revokes an installed validation and its time-range
// hook, then returns the revocation transaction hash.
func (c *Client) UninstallValidation(ctx context.Context, owner common.Address, scopeEntityID, hookEntityID uint32) (string, error) {
	req := uninstallRequest{
		Account:      owner.Hex(),
		PolicyID:     c.policyID,
		EntityID:     scopeEntityID,
		HookEntityID: hookEntityID,
	}

	var resp uninstallResponse
	if err := c.post(ctx, "/v1/validations/uninstall", req, &resp); err != nil {
		return "", fmt.Errorf("uninstall validation %d for %s: %w", scopeEntityID, owner.Hex(), err)
	}
	return resp.TransactionHash, nil
}

// SubmitTransfer signs a token transfer with the session's delegate key and
// submits it. Submission happens exactly once; any retry policy lives with
// the caller.
func (c *Client) SubmitTransfer(ctx context.Context, session model.SessionKey, recipient common.Address, amountBase *big.Int) (model.SettlementRef, error) {
	req := transferRequest{
		Account:   session.OwnerAddress.Hex(),
		EntityID:  session.ScopeEntityID,
		PolicyID:  c.policyID,
		Token:     c.tokenAddress.Hex(),
		Recipient: recipient.Hex(),
		Amount:    amountBase.String(),
		Signer:    session.DelegateAddress.Hex(),
	}

	sig, err := signTransfer(session.SigningKey, req)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	req.Signature = sig

	var resp transferResponse
	if err := c.post(ctx, "/v1/transfers", req, &resp); err != nil {
		return "", fmt.Errorf("submit transfer to %s: %w", recipient.Hex(), err)
	}
	return model.SettlementRef(resp.SettlementRef), nil
}

// TransferReceipt fetches the settlement receipt for ref. A "pending" status
// maps to driven.ErrReceiptNotReady; "failed" is fatal.
func (c *Client) TransferReceipt(ctx context.Context, ref model.SettlementRef) (model.SettlementReceipt, error) {
	var resp receiptResponse
	if err := c.get(ctx, "/v1/transfers/"+string(ref), &resp); err != nil {
		return model.SettlementReceipt{}, fmt.Errorf("transfer receipt %s: %w", ref, err)
	}

	switch resp.Status {
	case "confirmed":
		return model.SettlementReceipt{
			Ref:         ref,
			ConfirmedAt: time.Unix(resp.ConfirmedAt, 0).UTC(),
		}, nil
	case "failed":
		return model.SettlementReceipt{}, fmt.Errorf("transfer %s failed on ledger", ref)
	default:
		return model.SettlementReceipt{}, driven.ErrReceiptNotReady
	}
}

// signTransfer produces a 65-byte secp256k1 signature over the keccak256
// hash of the canonical transfer payload (signature field excluded).
func signTransfer(signingKey string, req transferRequest) (string, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(signingKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse signing key: %w", err)
	}

	req.Signature = ""
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	sig, err := crypto.Sign(crypto.Keccak256(payload), priv)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// post sends a JSON POST request and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	return c.do(req, out)
}

// get sends a GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return fmt.Errorf("%w: %s", driven.ErrOperationRejected, er.Error)
		}
		return driven.ErrOperationRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return fmt.Errorf("bundler status %d: %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("bundler status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
