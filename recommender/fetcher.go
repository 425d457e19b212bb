// Package recommender executes threshold calculation runs. It fetches the
// historical window for a datasource, drives the estimation per series and
// shapes the outcome the scheduler persists.
package recommender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/itskum47/ThresholdForge/store"
)

// Fetcher retrieves historical series for a datasource. Implementations must
// be idempotent and side effect free. An empty result means no data was
// available for the window.
type Fetcher interface {
	FetchData(ctx context.Context, datasourceID string, start, end int64, interval int) ([]store.TimeSeries, error)
}

// HTTPFetcher pulls series from a metrics gateway over JSON HTTP.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher against the gateway base URL. A nil
// client falls back to http.DefaultClient; the per-run fetch timeout is
// enforced through the request context, not the client.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{baseURL: baseURL, client: client}
}

type fetchPayload struct {
	DatasourceID string `json:"datasource_id"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	Interval     int    `json:"interval"`
}

// FetchData posts the query window to the gateway and decodes the series.
func (f *HTTPFetcher) FetchData(ctx context.Context, datasourceID string, start, end int64, interval int) ([]store.TimeSeries, error) {
	data, err := json.Marshal(fetchPayload{
		DatasourceID: datasourceID,
		StartTime:    start,
		EndTime:      end,
		Interval:     interval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fetch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/datasource/query", bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("datasource query failed with status code: %d", resp.StatusCode)
	}

	var series []store.TimeSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("failed to decode datasource response: %w", err)
	}
	return series, nil
}
