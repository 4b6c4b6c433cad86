package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/starford/koinet-node/internal/network"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	node Node
}

// NewHandler creates a new Handler.
func NewHandler(n Node) *Handler {
	return &Handler{node: n}
}

// decode reads a JSON request body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// Health handles GET /koi-net/health.
//
//	@Summary		Node liveness and identity
//	@Tags			protocol
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/koi-net/health [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		RID:      h.node.RID().String(),
		NodeType: string(h.node.Type()),
	})
}

// BroadcastEvents handles POST /koi-net/events/broadcast.
//
//	@Summary		Deliver events to this node
//	@Tags			protocol
//	@Accept			json
//	@Param			body	body	network.EventsPayload	true	"Events"
//	@Success		202
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/koi-net/events/broadcast [post]
func (h *Handler) BroadcastEvents(w http.ResponseWriter, r *http.Request) {
	var req network.EventsPayload
	if !decode(w, r, &req) {
		return
	}
	queued := h.node.HandleEvents(req.Events, "")
	slog.Debug("api: events received", slog.Int("events", len(req.Events)), slog.Int("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// PollEvents handles POST /koi-net/events/poll.
//
//	@Summary		Drain events queued for a partial node
//	@Tags			protocol
//	@Accept			json
//	@Produce		json
//	@Param			body	body		network.PollEvents	true	"Poller identity"
//	@Success		200		{object}	network.EventsPayload
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/koi-net/events/poll [post]
func (h *Handler) PollEvents(w http.ResponseWriter, r *http.Request) {
	var req network.PollEvents
	if !decode(w, r, &req) {
		return
	}
	if req.RID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("rid is required"))
		return
	}
	writeJSON(w, http.StatusOK, network.EventsPayload{Events: h.node.DrainEvents(req.RID, req.Limit)})
}

// FetchRIDs handles POST /koi-net/rids/fetch.
//
//	@Summary		List cached RIDs
//	@Tags			protocol
//	@Accept			json
//	@Produce		json
//	@Param			body	body		network.FetchRIDs	true	"RID type filter"
//	@Success		200		{object}	network.RIDsPayload
//	@Security		BearerAuth
//	@Router			/koi-net/rids/fetch [post]
func (h *Handler) FetchRIDs(w http.ResponseWriter, r *http.Request) {
	var req network.FetchRIDs
	if !decode(w, r, &req) {
		return
	}
	rids, err := h.node.FetchRIDs(req.RIDTypes)
	if err != nil {
		writeError(w, "fetch rids", err)
		return
	}
	writeJSON(w, http.StatusOK, network.RIDsPayload{RIDs: rids})
}

// FetchManifests handles POST /koi-net/manifests/fetch.
func (h *Handler) FetchManifests(w http.ResponseWriter, r *http.Request) {
	var req network.FetchManifests
	if !decode(w, r, &req) {
		return
	}
	payload, err := h.node.FetchManifests(req)
	if err != nil {
		writeError(w, "fetch manifests", err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// FetchBundles handles POST /koi-net/bundles/fetch.
func (h *Handler) FetchBundles(w http.ResponseWriter, r *http.Request) {
	var req network.FetchBundles
	if !decode(w, r, &req) {
		return
	}
	payload, err := h.node.FetchBundles(req.RIDs)
	if err != nil {
		writeError(w, "fetch bundles", err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// Search handles GET /search.
//
//	@Summary		Look up indexed records by identifier, tag or keyword
//	@Tags			search
//	@Produce		json
//	@Param			q	query		string	true	"Search term"
//	@Success		200	{object}	SearchResponse
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Query:   q,
		Results: toSearchResults(h.node.Search(q)),
	})
}
