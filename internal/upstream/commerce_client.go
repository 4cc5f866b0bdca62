package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marketing-sync/internal/models"
	"github.com/marketing-sync/internal/types"
)

// CommerceClient fetches order and product rows from the commerce platform API.
type CommerceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCommerceClient creates a new commerce platform client.
func NewCommerceClient(baseURL string, timeout time.Duration) *CommerceClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CommerceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Platform returns the platform this client serves.
func (c *CommerceClient) Platform() types.Platform {
	return types.PlatformCommerce
}

// commerceRow is one element of the commerce API response.
type commerceRow struct {
	ID         int64   `json:"id"`
	CreatedAt  string  `json:"created_at"`
	TotalPrice float64 `json:"total_price,string"`
}

// commerceEnvelope wraps the commerce API list responses. Orders and products
// arrive under different top-level keys.
type commerceEnvelope struct {
	Orders   []json.RawMessage `json:"orders"`
	Products []json.RawMessage `json:"products"`
}

// FetchRange fetches all rows of an entity for a date window.
func (c *CommerceClient) FetchRange(ctx context.Context, entity types.Entity, creds models.Credentials, window types.DateRange) ([]Record, error) {
	endpoint, err := c.endpointFor(entity)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("created_at_min", window.Start.Format(time.RFC3339))
	params.Set("created_at_max", window.End.Format(time.RFC3339))
	params.Set("status", "any")

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build commerce request: %w", err)
	}
	req.Header.Set("X-Access-Token", creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commerce request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read commerce response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope commerceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode commerce response: %w", err)
	}

	rows := envelope.Orders
	if entity == types.EntityProducts {
		rows = envelope.Products
	}

	records := make([]Record, 0, len(rows))
	for _, raw := range rows {
		var row commerceRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode commerce row: %w", err)
		}

		date := window.Start
		if row.CreatedAt != "" {
			if parsed, err := time.Parse(time.RFC3339, row.CreatedAt); err == nil {
				date = types.Day(parsed)
			}
		}

		records = append(records, Record{
			Entity:     entity,
			NaturalKey: fmt.Sprintf("%s:%d", entity, row.ID),
			Date:       date,
			Amount:     row.TotalPrice,
			Raw:        raw,
		})
	}

	return records, nil
}

// endpointFor maps an entity to its commerce API path.
func (c *CommerceClient) endpointFor(entity types.Entity) (string, error) {
	switch entity {
	case types.EntityOrders:
		return "/orders.json", nil
	case types.EntityProducts:
		return "/products.json", nil
	default:
		return "", fmt.Errorf("commerce platform does not serve entity %s", entity)
	}
}
