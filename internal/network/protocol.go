// Package network implements the node-to-node protocol: request payloads,
// the HTTP client, subscriber resolution from cached edges and the
// per-peer poll queues.
package network

import (
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Protocol endpoint paths, relative to a node's base URL.
const (
	PathBroadcastEvents = "/events/broadcast"
	PathPollEvents      = "/events/poll"
	PathFetchRIDs       = "/rids/fetch"
	PathFetchManifests  = "/manifests/fetch"
	PathFetchBundles    = "/bundles/fetch"
)

// FetchRIDs asks for the RIDs of the given types. Empty means all.
type FetchRIDs struct {
	RIDTypes []rid.Type `json:"rid_types"`
}

// RIDsPayload answers FetchRIDs.
type RIDsPayload struct {
	RIDs []rid.RID `json:"rids"`
}

// FetchManifests asks for manifests by RID or by type.
type FetchManifests struct {
	RIDTypes []rid.Type `json:"rid_types,omitempty"`
	RIDs     []rid.RID  `json:"rids,omitempty"`
}

// ManifestsPayload answers FetchManifests.
type ManifestsPayload struct {
	Manifests []models.Manifest `json:"manifests"`
	NotFound  []rid.RID         `json:"not_found"`
}

// FetchBundles asks for full bundles.
type FetchBundles struct {
	RIDs []rid.RID `json:"rids"`
}

// BundlesPayload answers FetchBundles.
type BundlesPayload struct {
	Bundles  []models.Bundle `json:"bundles"`
	NotFound []rid.RID       `json:"not_found"`
	Deferred []rid.RID       `json:"deferred"`
}

// PollEvents drains up to Limit queued events for node RID.
type PollEvents struct {
	RID   rid.RID `json:"rid"`
	Limit int     `json:"limit,omitempty"`
}

// EventsPayload carries events in either direction.
type EventsPayload struct {
	Events []models.Event `json:"events"`
}

// ErrorResponse is the body of a failed protocol request.
type ErrorResponse struct {
	Error string `json:"error"`
}
