package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// HTTP queries the event service's REST API.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP constructs an HTTP catalog rooted at baseURL.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type eventEnvelope struct {
	Data *model.CatalogEvent `json:"data"`
}

// Lookup calls GET {base}/api/v1/events/{id} and reads data.seatCount and data.status.
func (h *HTTP) Lookup(ctx context.Context, eventID string) (model.CatalogEvent, error) {
	endpoint := h.baseURL + "/api/v1/events/" + url.PathEscape(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.CatalogEvent{}, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return model.CatalogEvent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.CatalogEvent{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return model.CatalogEvent{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var env eventEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return model.CatalogEvent{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if env.Data == nil {
		return model.CatalogEvent{}, fmt.Errorf("%w: response has no data", ErrUnavailable)
	}
	return normalize(*env.Data)
}
