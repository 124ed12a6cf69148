package application

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mboyle/agentpay/internal/domain/model"
)

// GatedFetcher is the slice of PayGateService the orchestrator needs.
type GatedFetcher interface {
	FetchGated(ctx context.Context, session model.SessionKey, resourceID string) (json.RawMessage, error)
}

// ResourceResult pairs one gated resource with its retrieved payload.
type ResourceResult struct {
	ResourceID string
	Payload    json.RawMessage
}

// Orchestrator sequences gated retrievals over an ordered resource list.
// Resources sharing one credential are fetched strictly one at a time so the
// scope's usage stays auditable and resource servers see one-agent-at-a-time
// behavior.
type Orchestrator struct {
	fetcher GatedFetcher
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(fetcher GatedFetcher) *Orchestrator {
	return &Orchestrator{fetcher: fetcher}
}

// Run fetches each resource in order. On the first fatal error it stops and
// returns that error together with the results already collected.
func (o *Orchestrator) Run(ctx context.Context, session model.SessionKey, resourceIDs []string) ([]ResourceResult, error) {
	results := make([]ResourceResult, 0, len(resourceIDs))

	for _, id := range resourceIDs {
		payload, err := o.fetcher.FetchGated(ctx, session, id)
		if err != nil {
			return results, fmt.Errorf("resource %s: %w", id, err)
		}
		results = append(results, ResourceResult{ResourceID: id, Payload: payload})
	}

	return results, nil
}
