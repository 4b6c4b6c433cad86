package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/koinet-node/internal/apperr"
)

// apiClient is a thin JSON GET client for the third-party sources.
// Failures are reported, never retried; the next poll cycle tries again.
type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
	accept  string
}

func newAPIClient(httpClient *http.Client, baseURL, token, accept string) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiClient{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), token: token, accept: accept}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sensor: build request: %w", err)
	}
	req.Header.Set("Accept", c.accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sensor: %s: %w: %v", url, apperr.ErrFetchFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sensor: %s: %w: status %d: %s", url, apperr.ErrFetchFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sensor: %s: decode response: %w: %v", url, apperr.ErrFetchFailure, err)
	}
	return nil
}

// apiTime accepts both epoch milliseconds and RFC 3339 strings.
type apiTime struct{ time.Time }

func (t *apiTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("sensor: parse time %q: %w", str, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("sensor: parse time %s: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// formatTime renders t for record contents; zero becomes nil.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
