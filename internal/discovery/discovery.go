// Package discovery runs the first-sighting handshake with newly observed nodes.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// State is a peer's position in the handshake.
type State string

// States.
const (
	Observed     State = "observed"
	EdgeProposed State = "edge_proposed"
	Syncing      State = "syncing"
	Done         State = "done"
)

// Self describes the local node for the handshake.
type Self struct {
	RID      rid.RID
	NodeType models.NodeType
	Wants    []rid.Type
	// SensorRID, when set, is the only provider edges for wanted types are proposed to.
	SensorRID rid.RID
}

// IdentifierFetcher lists the RIDs a peer knows.
type IdentifierFetcher interface {
	FetchIdentifiers(ctx context.Context, peer rid.RID, types []rid.Type) ([]rid.RID, error)
}

// Cache answers whether a RID is already held locally.
type Cache interface {
	Exists(r rid.RID) (bool, error)
}

// Sink feeds the handshake's output back into the pipeline.
type Sink interface {
	// DeclareEdge submits a proposed edge bundle as a local knowledge object.
	DeclareEdge(ctx context.Context, edge *models.Bundle) error
	// SubmitExternal re-enters r into the pipeline to be fetched from peer.
	SubmitExternal(r rid.RID, peer rid.RID)
}

// Report summarises one handshake run.
type Report struct {
	Peer      rid.RID
	State     State
	Ignored   bool
	EdgeTypes []rid.Type
	Submitted []rid.RID
}

type entry struct {
	state State
	hash  string
}

// Handshake tracks per-peer state and drives the handshake steps.
type Handshake struct {
	self   Self
	fetch  IdentifierFetcher
	cache  Cache
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	peers map[rid.RID]entry
}

// New creates a Handshake.
func New(self Self, fetch IdentifierFetcher, cache Cache, sink Sink, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handshake{
		self:   self,
		fetch:  fetch,
		cache:  cache,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		peers:  make(map[rid.RID]entry),
	}
}

// State returns the recorded state of peer.
func (h *Handshake) State(peer rid.RID) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.peers[peer]
	return e.state, ok
}

// Forget clears peer so its next sighting starts from Observed again.
func (h *Handshake) Forget(peer rid.RID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peer)
}

// begin claims the handshake for this observation. It returns false when
// the same observation already ran or is running.
func (h *Handshake) begin(peer rid.RID, hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.peers[peer]; ok && e.hash == hash {
		return false
	}
	h.peers[peer] = entry{state: Observed, hash: hash}
	return true
}

func (h *Handshake) set(peer rid.RID, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.peers[peer]
	e.state = s
	h.peers[peer] = e
}

// Observe handles a sighting of peer's profile. kind is the normalized
// event type of the sighting and hash identifies the observed profile
// version. Only the first NEW sighting of a given version runs the handshake.
func (h *Handshake) Observe(ctx context.Context, peer rid.RID, profile models.NodeProfile, kind models.EventType, hash string) (Report, error) {
	rep := Report{Peer: peer}
	log := h.logger.With(slog.String("peer", peer.String()))

	if kind != models.EventNew {
		log.Debug("discovery: ignoring non-new observation", slog.String("event_type", string(kind)))
		rep.Ignored = true
		return rep, nil
	}
	if peer == h.self.RID {
		rep.Ignored = true
		return rep, nil
	}
	if err := profile.Validate(); err != nil {
		log.Warn("discovery: invalid profile", slog.String("error", err.Error()))
		rep.Ignored = true
		return rep, fmt.Errorf("discovery: %s: %w: %v", peer, apperr.ErrValidationFailure, err)
	}
	if !h.begin(peer, hash) {
		log.Debug("discovery: observation already handled")
		rep.Ignored = true
		return rep, nil
	}

	rep.State = Observed
	rep.EdgeTypes = h.edgeTypes(peer, profile)
	if len(rep.EdgeTypes) > 0 {
		if err := h.proposeEdge(ctx, peer, rep.EdgeTypes); err != nil {
			log.Warn("discovery: edge proposal failed", slog.String("error", err.Error()))
		} else {
			rep.State = EdgeProposed
			h.set(peer, EdgeProposed)
			log.Info("discovery: edge proposed", slog.Any("rid_types", rep.EdgeTypes))
		}
	}

	if profile.IsDirectory() {
		rep.State = Syncing
		h.set(peer, Syncing)
		rep.Submitted = h.sync(ctx, peer, log)
	}

	rep.State = Done
	h.set(peer, Done)
	return rep, nil
}

// edgeTypes returns the record types to request from peer: the wanted
// types it provides, plus node identities when it acts as a directory.
func (h *Handshake) edgeTypes(peer rid.RID, profile models.NodeProfile) []rid.Type {
	var types []rid.Type
	if h.self.SensorRID == "" || h.self.SensorRID == peer {
		for _, t := range h.self.Wants {
			if profile.Provides.Has(t) {
				types = append(types, t)
			}
		}
	}
	if profile.IsDirectory() && !rid.Contains(types, rid.KoiNetNode) {
		types = append(types, rid.KoiNetNode)
	}
	return types
}

func (h *Handshake) proposeEdge(ctx context.Context, peer rid.RID, types []rid.Type) error {
	edgeType := models.EdgeWebhook
	if h.self.NodeType == models.NodeTypePartial {
		edgeType = models.EdgePoll
	}
	edge := models.Edge{
		Source:   peer,
		Target:   h.self.RID,
		EdgeType: edgeType,
		Status:   models.EdgeProposed,
		RIDTypes: types,
	}
	contents, err := models.ToContents(edge)
	if err != nil {
		return err
	}
	b, err := models.GenerateBundle(models.EdgeRID(peer, h.self.RID), contents, h.now())
	if err != nil {
		return err
	}
	return h.sink.DeclareEdge(ctx, b)
}

// sync pulls the peer's node identities and submits every unknown one.
// A failed fetch abandons the sync without touching the proposed edge.
func (h *Handshake) sync(ctx context.Context, peer rid.RID, log *slog.Logger) []rid.RID {
	rids, err := h.fetch.FetchIdentifiers(ctx, peer, []rid.Type{rid.KoiNetNode})
	if err != nil {
		log.Warn("discovery: identifier fetch failed", slog.String("error", err.Error()))
		return nil
	}

	var submitted []rid.RID
	for _, r := range rids {
		if r == h.self.RID {
			continue
		}
		ok, err := h.cache.Exists(r)
		if err != nil {
			log.Warn("discovery: cache check failed", slog.String("rid", r.String()), slog.String("error", err.Error()))
			continue
		}
		if ok {
			continue
		}
		h.sink.SubmitExternal(r, peer)
		submitted = append(submitted, r)
	}
	log.Info("discovery: synced", slog.Int("fetched", len(rids)), slog.Int("submitted", len(submitted)))
	return submitted
}
