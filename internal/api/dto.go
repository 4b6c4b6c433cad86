package api

import (
	"time"

	"github.com/starford/koinet-node/internal/index"
)

// HealthResponse is returned by the protocol health check.
type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	RID      string `json:"rid" example:"orn:koi-net.node:processor-b+4f9c"`
	NodeType string `json:"node_type" example:"FULL"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	RID         string    `json:"rid" example:"orn:hackmd.note:C1xso4C8SH-ZzDaloTq4Uw"`
	Title       string    `json:"title" example:"Weekly sync"`
	Tags        []string  `json:"tags"`
	LastChanged time.Time `json:"last_changed"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func toSearchResults(in []index.Result) []SearchResult {
	out := make([]SearchResult, 0, len(in))
	for _, r := range in {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, SearchResult{
			RID:         r.RID.String(),
			Title:       r.Title,
			Tags:        tags,
			LastChanged: r.LastChanged,
		})
	}
	return out
}
