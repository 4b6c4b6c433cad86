package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/network"
	"github.com/starford/koinet-node/internal/rid"
)

// ProtocolPrefix is where the node protocol is mounted.
const ProtocolPrefix = "/koi-net"

// Node is the node behaviour the HTTP layer exposes.
type Node interface {
	RID() rid.RID
	Type() models.NodeType
	HandleEvents(events []models.Event, from rid.RID) int
	DrainEvents(peer rid.RID, limit int) []models.Event
	FetchRIDs(types []rid.Type) ([]rid.RID, error)
	FetchManifests(req network.FetchManifests) (network.ManifestsPayload, error)
	FetchBundles(rids []rid.RID) (network.BundlesPayload, error)
	Search(term string) []index.Result
}

// NewRouter creates a chi router with the protocol and query routes.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(n Node, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(n)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	// Protocol health is unauthenticated so peers can check each other.
	r.Get(ProtocolPrefix+"/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		r.Route(ProtocolPrefix, func(r chi.Router) {
			r.Post(network.PathBroadcastEvents, h.BroadcastEvents)
			r.Post(network.PathPollEvents, h.PollEvents)
			r.Post(network.PathFetchRIDs, h.FetchRIDs)
			r.Post(network.PathFetchManifests, h.FetchManifests)
			r.Post(network.PathFetchBundles, h.FetchBundles)
		})

		r.Get("/search", h.Search)

		if sseHandler != nil {
			r.Get("/events", sseHandler.ServeHTTP)
		}
	})

	return r
}
