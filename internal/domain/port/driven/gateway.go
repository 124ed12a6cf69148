package driven

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mboyle/agentpay/internal/domain/model"
)

// FetchResult is the outcome of one gated resource request. Exactly one of
// Payload and PaymentRequired is set: Payload on 200, PaymentRequired on 402.
type FetchResult struct {
	Payload         json.RawMessage
	PaymentRequired *model.PaymentRequired
}

// GatewayStatusError reports a resource server response that is neither a
// payload nor a well-formed payment negotiation. The raw status and body are
// kept for diagnostics.
type GatewayStatusError struct {
	Status int
	Body   []byte
}

func (e *GatewayStatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Body)
}

// ResourceGateway is the driven port for payment-gated resource servers.
// Fetch issues one request; the payment negotiation loop lives above it.
type ResourceGateway interface {
	// Fetch requests the given resource, attaching proof as a bearer
	// credential when non-empty. Returns a FetchResult for 200 and
	// well-formed 402 responses; any other status or a malformed 402 body
	// yields a *GatewayStatusError.
	Fetch(ctx context.Context, resourceID string, proof string) (*FetchResult, error)
}
