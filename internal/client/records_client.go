package client

import (
	"context"
	"net/url"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// RecordsClient fetches business record field values from the owning service.
// The engine snapshots the result at submission; records are never re-fetched
// mid-flight.
type RecordsClient struct {
	http *httpClient
}

// NewRecordsClient creates a records client for the given base URL.
func NewRecordsClient(baseURL string) *RecordsClient {
	return &RecordsClient{http: newHTTPClient(baseURL)}
}

// Fetch returns the record's current field values keyed by field name.
func (c *RecordsClient) Fetch(ctx context.Context, entityID, modelType, modelID string) (map[string]any, error) {
	path := "/api/v1/records/" + url.PathEscape(modelType) +
		"?entity_id=" + url.QueryEscape(entityID) +
		"&id=" + url.QueryEscape(modelID)

	var fields map[string]any
	if err := c.http.getJSON(ctx, path, &fields); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to fetch record snapshot")
	}
	if fields == nil {
		return nil, apperr.NotFound(modelType, modelID)
	}
	return fields, nil
}
