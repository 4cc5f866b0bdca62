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

// AdsClient fetches campaign and insight rows from the ads platform API.
type AdsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdsClient creates a new ads platform client.
func NewAdsClient(baseURL string, timeout time.Duration) *AdsClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &AdsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Platform returns the platform this client serves.
func (c *AdsClient) Platform() types.Platform {
	return types.PlatformAds
}

// adsRow is one element of the ads API response envelope.
type adsRow struct {
	ID        string  `json:"id"`
	DateStart string  `json:"date_start"`
	Spend     float64 `json:"spend,string"`
}

// adsEnvelope is the ads API list response.
type adsEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

// FetchRange fetches all rows of an entity for a date window.
func (c *AdsClient) FetchRange(ctx context.Context, entity types.Entity, creds models.Credentials, window types.DateRange) ([]Record, error) {
	endpoint, err := c.endpointFor(entity, creds.AccountID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("time_range[since]", window.Start.Format("2006-01-02"))
	// The ads API treats "until" as inclusive; the window is half-open.
	params.Set("time_range[until]", window.End.AddDate(0, 0, -1).Format("2006-01-02"))
	params.Set("access_token", creds.AccessToken)

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ads request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ads request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ads response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope adsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode ads response: %w", err)
	}

	records := make([]Record, 0, len(envelope.Data))
	for _, raw := range envelope.Data {
		var row adsRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode ads row: %w", err)
		}

		date := window.Start
		if row.DateStart != "" {
			if parsed, err := time.Parse("2006-01-02", row.DateStart); err == nil {
				date = parsed
			}
		}

		records = append(records, Record{
			Entity:     entity,
			NaturalKey: fmt.Sprintf("%s:%s:%s", entity, row.ID, date.Format("2006-01-02")),
			Date:       date,
			Amount:     row.Spend,
			Raw:        raw,
		})
	}

	return records, nil
}

// endpointFor maps an entity to its ads API path.
func (c *AdsClient) endpointFor(entity types.Entity, accountID string) (string, error) {
	switch entity {
	case types.EntityCampaigns:
		return fmt.Sprintf("/act_%s/campaigns", accountID), nil
	case types.EntityAdInsights:
		return fmt.Sprintf("/act_%s/insights", accountID), nil
	default:
		return "", fmt.Errorf("ads platform does not serve entity %s", entity)
	}
}
