package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kwenrich/internal/config"
)

// HTTPBackend implements Backend against a JSON metrics API.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPBackend creates an HTTPBackend from EnrichmentConfig.
func NewHTTPBackend(cfg config.EnrichmentConfig) (*HTTPBackend, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("enrichment.baseURL is required")
	}

	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15000
	}

	return &HTTPBackend{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		now:     time.Now,
	}, nil
}

type metricsRequest struct {
	Keywords []string `json:"keywords"`
	Locale   string   `json:"locale"`
}

// metricsResponse models only the subset of the provider response we use.
type metricsResponse struct {
	Data []struct {
		Keyword     string          `json:"keyword"`
		Volume      int64           `json:"search_volume"`
		CPC         decimal.Decimal `json:"cpc"`
		Competition float64         `json:"competition"`
		Difficulty  int             `json:"keyword_difficulty"`
	} `json:"data"`
}

type quotaResponse struct {
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchData requests metrics for keywords in a single locale. Keywords the
// provider has no data for are absent from the result.
func (b *HTTPBackend) FetchData(ctx context.Context, keywords []string, locale string) ([]KeywordMetrics, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(metricsRequest{Keywords: keywords, Locale: locale})
	if err != nil {
		return nil, err
	}

	var resp metricsResponse
	if err := b.do(ctx, http.MethodPost, "/keywords/metrics", body, &resp); err != nil {
		return nil, err
	}

	fetchedAt := b.now().UTC()
	out := make([]KeywordMetrics, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, KeywordMetrics{
			Keyword:     d.Keyword,
			Locale:      locale,
			Volume:      d.Volume,
			CPC:         d.CPC,
			Competition: d.Competition,
			Difficulty:  d.Difficulty,
			FetchedAt:   fetchedAt,
			Source:      SourceLive,
		})
	}
	return out, nil
}

// QuotaStatus returns the provider's current quota usage.
func (b *HTTPBackend) QuotaStatus(ctx context.Context) (Quota, error) {
	var resp quotaResponse
	if err := b.do(ctx, http.MethodGet, "/account/quota", nil, &resp); err != nil {
		return Quota{}, err
	}
	return Quota{Used: resp.Used, Limit: resp.Limit, ResetAt: resp.ResetAt}, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &er)
		msg := er.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       er.Code,
			Message:    msg,
			Category:   categoryForStatus(resp.StatusCode, er.Code),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode enrichment response: %w", err)
	}
	return nil
}
