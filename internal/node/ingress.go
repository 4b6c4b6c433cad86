package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/discovery"
	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/network"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
)

// OnNetworkObservation runs the discovery handshake for a sighting of
// peer's profile.
func (n *Node) OnNetworkObservation(ctx context.Context, peer rid.RID, profile models.NodeProfile, kind models.EventType) (discovery.Report, error) {
	contents, err := models.ToContents(profile)
	if err != nil {
		return discovery.Report{Peer: peer}, fmt.Errorf("node: observe %s: %w", peer, err)
	}
	hash, err := checksum.Contents(contents)
	if err != nil {
		return discovery.Report{Peer: peer}, fmt.Errorf("node: observe %s: %w", peer, err)
	}
	return n.observe(ctx, peer, profile, kind, hash)
}

func (n *Node) observe(ctx context.Context, peer rid.RID, profile models.NodeProfile, kind models.EventType, hash string) (discovery.Report, error) {
	rep, err := n.handshake.Observe(ctx, peer, profile, kind, hash)
	n.countHandshake(resultLabel(rep.Ignored, err))
	return rep, err
}

// OnManifestArrival processes a manifest announced by from. Contents are
// fetched once if the manifest is accepted.
func (n *Node) OnManifestArrival(ctx context.Context, m models.Manifest, from rid.RID) processor.Result {
	kobj := processor.FromManifest(m, models.SourceExternal)
	kobj.FromPeer = from
	return n.proc.Process(ctx, kobj)
}

// OnBundleArrival processes a full record delivered by from.
func (n *Node) OnBundleArrival(ctx context.Context, b *models.Bundle, from rid.RID) processor.Result {
	kobj := processor.FromBundle(b, models.SourceExternal)
	kobj.FromPeer = from
	return n.proc.Process(ctx, kobj)
}

// Search queries the index.
func (n *Node) Search(term string) []index.Result {
	return n.index.Query(term)
}

// HandleEvents queues events received from peer. It returns how many were
// accepted into the queues.
func (n *Node) HandleEvents(events []models.Event, from rid.RID) int {
	queued := 0
	for _, ev := range events {
		if ev.RID == "" {
			continue
		}
		if n.proc.Submit(processor.FromEvent(ev, models.SourceExternal, from)) {
			queued++
		}
	}
	return queued
}

// FetchRIDs lists cached RIDs of the given types.
func (n *Node) FetchRIDs(types []rid.Type) ([]rid.RID, error) {
	rids, err := n.store.List(types...)
	if err != nil {
		return nil, fmt.Errorf("node: list: %w", err)
	}
	if rids == nil {
		rids = []rid.RID{}
	}
	return rids, nil
}

// FetchManifests returns manifests for req.RIDs, or for every cached RID
// of req.RIDTypes when no RIDs are given.
func (n *Node) FetchManifests(req network.FetchManifests) (network.ManifestsPayload, error) {
	out := network.ManifestsPayload{Manifests: []models.Manifest{}, NotFound: []rid.RID{}}
	rids := req.RIDs
	if len(rids) == 0 {
		var err error
		if rids, err = n.FetchRIDs(req.RIDTypes); err != nil {
			return out, err
		}
	}
	for _, r := range rids {
		b, err := n.store.Read(r)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			out.NotFound = append(out.NotFound, r)
		case err != nil:
			return out, fmt.Errorf("node: read %s: %w", r, err)
		default:
			out.Manifests = append(out.Manifests, b.Manifest)
		}
	}
	return out, nil
}

// FetchBundles returns the cached bundles for rids.
func (n *Node) FetchBundles(rids []rid.RID) (network.BundlesPayload, error) {
	out := network.BundlesPayload{Bundles: []models.Bundle{}, NotFound: []rid.RID{}, Deferred: []rid.RID{}}
	for _, r := range rids {
		b, err := n.store.Read(r)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			out.NotFound = append(out.NotFound, r)
		case err != nil:
			return out, fmt.Errorf("node: read %s: %w", r, err)
		default:
			out.Bundles = append(out.Bundles, *b)
		}
	}
	return out, nil
}

// DrainEvents hands a polling peer the events queued for it.
func (n *Node) DrainEvents(peer rid.RID, limit int) []models.Event {
	events := n.net.Outbox().Drain(peer, limit)
	if events == nil {
		events = []models.Event{}
	}
	return events
}

// Bootstrap introduces this node to the first contact and pulls the nodes
// it knows. Failures are logged; the node keeps running without a mesh.
func (n *Node) Bootstrap(ctx context.Context) {
	url := n.cfg.FirstContact
	if url == "" {
		return
	}
	log := n.logger.With(slog.String("first_contact", url))
	client := n.net.Client()

	own, err := n.store.Read(n.self)
	if err != nil {
		log.Warn("node: own profile not cached", slog.String("error", err.Error()))
		return
	}
	if err := client.BroadcastEvents(ctx, url, []models.Event{models.EventFromBundle(models.EventNew, own)}); err != nil {
		log.Warn("node: first contact unreachable", slog.String("error", err.Error()))
		return
	}

	rids, err := client.FetchRIDs(ctx, url, []rid.Type{rid.KoiNetNode})
	if err != nil {
		log.Warn("node: first contact rid fetch failed", slog.String("error", err.Error()))
		return
	}
	var wanted []rid.RID
	for _, r := range rids {
		if r != n.self {
			wanted = append(wanted, r)
		}
	}
	if len(wanted) == 0 {
		return
	}
	payload, err := client.FetchBundles(ctx, url, wanted)
	if err != nil {
		log.Warn("node: first contact bundle fetch failed", slog.String("error", err.Error()))
		return
	}
	for i := range payload.Bundles {
		n.proc.Submit(processor.FromBundle(&payload.Bundles[i], models.SourceExternal))
	}
	log.Info("node: bootstrapped", slog.Int("nodes", len(payload.Bundles)))
}

// PollPeers drains the events upstream peers queued for this node.
func (n *Node) PollPeers(ctx context.Context) error {
	for _, batch := range n.net.Poll(ctx, n.cfg.PollLimit) {
		queued := n.HandleEvents(batch.Events, batch.Peer)
		n.logger.Debug("node: polled",
			slog.String("url", batch.URL),
			slog.Int("events", len(batch.Events)),
			slog.Int("queued", queued))
	}
	return nil
}
