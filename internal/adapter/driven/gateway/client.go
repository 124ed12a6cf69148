// Package gateway implements the ResourceGateway port for payment-gated
// resource servers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mboyle/agentpay/internal/domain/model"
	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ResourceGateway = (*Client)(nil)

// Client implements the driven.ResourceGateway port. One Fetch issues one
// POST to {base}/{resourceID}; it interprets 200 and 402 and nothing else.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway client for resource servers rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// Intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// paymentRequiredBody is the wire shape of a 402 response.
type paymentRequiredBody struct {
	PaymentRequest struct {
		PaymentOptions []paymentOptionBody `json:"paymentOptions"`
	} `json:"paymentRequest"`
	PaymentToken string `json:"paymentToken"`
}

type paymentOptionBody struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Decimals  uint8  `json:"decimals"`
}

// Fetch requests the given resource, attaching proof as a bearer credential
// when non-empty.
func (c *Client) Fetch(ctx context.Context, resourceID string, proof string) (*driven.FetchResult, error) {
	url := c.baseURL + "/" + strings.TrimLeft(resourceID, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", resourceID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(proof) != "" {
		req.Header.Set("Authorization", "Bearer "+proof)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", resourceID, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &driven.FetchResult{Payload: json.RawMessage(body)}, nil
	case http.StatusPaymentRequired:
		required, err := parsePaymentRequired(body)
		if err != nil {
			return nil, &driven.GatewayStatusError{Status: resp.StatusCode, Body: body}
		}
		return &driven.FetchResult{PaymentRequired: required}, nil
	default:
		return nil, &driven.GatewayStatusError{Status: resp.StatusCode, Body: body}
	}
}

// parsePaymentRequired decodes a 402 body into the domain negotiation type.
// A body without at least one payment option is malformed.
func parsePaymentRequired(body []byte) (*model.PaymentRequired, error) {
	var decoded paymentRequiredBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode 402 body: %w", err)
	}
	if len(decoded.PaymentRequest.PaymentOptions) == 0 {
		return nil, fmt.Errorf("402 body has no payment options")
	}

	options := make([]model.PaymentOption, 0, len(decoded.PaymentRequest.PaymentOptions))
	for _, o := range decoded.PaymentRequest.PaymentOptions {
		options = append(options, model.PaymentOption{
			Recipient: common.HexToAddress(o.Recipient),
			Amount:    o.Amount,
			Decimals:  o.Decimals,
		})
	}

	return &model.PaymentRequired{
		Options:      options,
		PaymentToken: decoded.PaymentToken,
	}, nil
}
