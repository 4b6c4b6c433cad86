package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Client speaks the protocol to a peer identified by its base URL.
type Client struct {
	http  *http.Client
	token string
}

// NewClient creates a Client. token, when set, is sent as a Bearer token.
func NewClient(httpClient *http.Client, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: httpClient, token: token}
}

func (c *Client) post(ctx context.Context, baseURL, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("network: encode request: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("network: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network: %s: %w: %v", url, apperr.ErrFetchFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("network: %s: %w: status %d: %s", url, apperr.ErrFetchFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("network: %s: decode response: %w: %v", url, apperr.ErrFetchFailure, err)
	}
	return nil
}

// FetchRIDs lists the peer's RIDs of the given types.
func (c *Client) FetchRIDs(ctx context.Context, baseURL string, types []rid.Type) ([]rid.RID, error) {
	var out RIDsPayload
	if err := c.post(ctx, baseURL, PathFetchRIDs, FetchRIDs{RIDTypes: types}, &out); err != nil {
		return nil, err
	}
	return out.RIDs, nil
}

// FetchManifests fetches manifests by RID or type.
func (c *Client) FetchManifests(ctx context.Context, baseURL string, req FetchManifests) (ManifestsPayload, error) {
	var out ManifestsPayload
	err := c.post(ctx, baseURL, PathFetchManifests, req, &out)
	return out, err
}

// FetchBundles fetches full bundles by RID.
func (c *Client) FetchBundles(ctx context.Context, baseURL string, rids []rid.RID) (BundlesPayload, error) {
	var out BundlesPayload
	err := c.post(ctx, baseURL, PathFetchBundles, FetchBundles{RIDs: rids}, &out)
	return out, err
}

// BroadcastEvents pushes events to the peer.
func (c *Client) BroadcastEvents(ctx context.Context, baseURL string, events []models.Event) error {
	return c.post(ctx, baseURL, PathBroadcastEvents, EventsPayload{Events: events}, nil)
}

// PollEvents drains events queued for self at the peer.
func (c *Client) PollEvents(ctx context.Context, baseURL string, self rid.RID, limit int) ([]models.Event, error) {
	var out EventsPayload
	if err := c.post(ctx, baseURL, PathPollEvents, PollEvents{RID: self, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
