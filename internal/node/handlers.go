package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/metrics"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/sse"
)

// handlers builds the default handler table.
func (n *Node) handlers() *processor.Table {
	t := processor.NewTable()

	t.Register(processor.Handler{Name: "guard-identity", Phase: processor.PhaseRID, Fn: n.guardIdentity})
	t.Register(processor.Handler{Name: "forget-node", Phase: processor.PhaseRID, Types: []rid.Type{rid.KoiNetNode}, Fn: n.forgetNode})

	t.Register(processor.Handler{Name: "validate-profile", Phase: processor.PhaseBundle, Types: []rid.Type{rid.KoiNetNode}, Fn: n.validateProfile})
	t.Register(processor.Handler{Name: "negotiate-edge", Phase: processor.PhaseBundle, Types: []rid.Type{rid.KoiNetEdge}, Fn: n.negotiateEdge})

	t.Register(processor.Handler{Name: "edge-endpoint", Phase: processor.PhaseNetwork, Types: []rid.Type{rid.KoiNetEdge}, Fn: n.edgeEndpoint})
	t.Register(processor.Handler{Name: "discover-node", Phase: processor.PhaseNetwork, Types: []rid.Type{rid.KoiNetNode}, Fn: n.discoverNode})
	t.Register(processor.Handler{Name: "subscribers", Phase: processor.PhaseNetwork, Fn: n.subscribers})

	t.Register(processor.Handler{Name: "index", Phase: processor.PhaseFinal, Fn: n.indexRecord})
	return t
}

// guardIdentity refuses external versions of this node's own profile.
func (n *Node) guardIdentity(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	if kobj.RID == n.self && kobj.Source == models.SourceExternal {
		n.logger.Debug("node: ignoring external version of own profile")
		return processor.Halt, nil
	}
	return processor.Continue, nil
}

// forgetNode resets the handshake for a node that announced it is leaving.
func (n *Node) forgetNode(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	if kobj.EventType == models.EventForget {
		n.handshake.Forget(kobj.RID)
	}
	return processor.Continue, nil
}

func (n *Node) validateProfile(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	if _, err := decodeProfile(kobj); err != nil {
		return processor.Halt, err
	}
	return processor.Continue, nil
}

// negotiateEdge approves proposals this node is the source of, as long as
// the requested types are ones it pushes and the requester is known.
func (n *Node) negotiateEdge(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	edge, err := decodeEdge(kobj)
	if err != nil {
		return processor.Halt, err
	}
	if edge.Source != n.self || edge.Status != models.EdgeProposed {
		return processor.Continue, nil
	}

	for _, t := range edge.RIDTypes {
		if !rid.Contains(n.cfg.Provides.Event, t) {
			return processor.Halt, fmt.Errorf("node: edge %s requests %s which is not provided: %w", kobj.RID, t, apperr.ErrValidationFailure)
		}
	}
	if ok, err := n.store.Exists(edge.Target); err != nil || !ok {
		n.logger.Warn("node: edge target unknown, not approving",
			slog.String("edge", kobj.RID.String()),
			slog.String("target", edge.Target.String()))
		return processor.Halt, nil
	}

	edge.Status = models.EdgeApproved
	contents, err := models.ToContents(edge)
	if err != nil {
		return processor.Halt, err
	}
	// The approval must win over the proposal the requester already cached.
	ts := n.now()
	if !ts.After(kobj.Manifest.Timestamp) {
		ts = kobj.Manifest.Timestamp.Add(time.Millisecond)
	}
	b, err := models.GenerateBundle(kobj.RID, contents, ts)
	if err != nil {
		return processor.Halt, err
	}
	kobj.Manifest = &b.Manifest
	kobj.Contents = b.Contents
	n.logger.Info("node: edge approved",
		slog.String("edge", kobj.RID.String()),
		slog.String("target", edge.Target.String()),
		slog.Any("rid_types", edge.RIDTypes))
	return processor.Continue, nil
}

// edgeEndpoint delivers an edge to the node at its other end.
func (n *Node) edgeEndpoint(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	edge, err := decodeEdge(kobj)
	if err != nil {
		return processor.Halt, err
	}
	switch n.self {
	case edge.Source:
		kobj.NetworkTargets = append(kobj.NetworkTargets, edge.Target)
	case edge.Target:
		kobj.NetworkTargets = append(kobj.NetworkTargets, edge.Source)
	}
	return processor.Continue, nil
}

// discoverNode runs the handshake on the first sighting of a node profile,
// after the profile is cached and its RID lock released.
func (n *Node) discoverNode(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	if kobj.RID == n.self || kobj.NormalizedEventType != models.EventNew {
		return processor.Continue, nil
	}
	profile, err := decodeProfile(kobj)
	if err != nil {
		return processor.Halt, err
	}
	peer, kind, hash := kobj.RID, kobj.NormalizedEventType, kobj.Manifest.SHA256Hash
	kobj.Defer(func(ctx context.Context) {
		n.observe(ctx, peer, profile, kind, hash)
	})
	return processor.Continue, nil
}

// subscribers targets every peer with an approved edge for the object's type.
func (n *Node) subscribers(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	subs, err := n.net.Graph().Subscribers(kobj.RID.Type())
	if err != nil {
		n.logger.Warn("node: subscriber lookup failed", slog.String("error", err.Error()))
		return processor.Continue, nil
	}
	kobj.NetworkTargets = append(kobj.NetworkTargets, subs...)
	return processor.Continue, nil
}

// indexRecord feeds accepted records of indexed types to the search index.
func (n *Node) indexRecord(_ context.Context, kobj *processor.KnowledgeObject) (processor.Action, error) {
	if !n.index.Handles(kobj.RID.Type()) {
		return processor.Continue, nil
	}
	b := kobj.Bundle()
	if err := n.index.Apply(b); err != nil {
		if errors.Is(err, apperr.ErrStale) {
			n.logger.Debug("node: index kept newer entry", slog.String("rid", kobj.RID.String()))
			return processor.Continue, nil
		}
		return processor.Halt, err
	}
	n.setIndexed()

	if n.publisher != nil {
		meta, _ := n.index.Metadata(kobj.RID)
		n.publisher.PublishRecord(sse.RecordEvent{
			RID:   kobj.RID.String(),
			Type:  kobj.RID.Type().String(),
			Title: meta.Title,
		}, kobj.NormalizedEventType == models.EventUpdate)
	}
	return processor.Continue, nil
}

func (n *Node) countHandshake(result string) {
	if n.metrics != nil {
		n.metrics.Handshakes.WithLabelValues(result).Inc()
	}
}

func decodeProfile(kobj *processor.KnowledgeObject) (models.NodeProfile, error) {
	var p models.NodeProfile
	b := kobj.Bundle()
	if b == nil {
		return p, fmt.Errorf("node: %s has no contents: %w", kobj.RID, apperr.ErrValidationFailure)
	}
	if err := b.Decode(&p); err != nil {
		return p, fmt.Errorf("node: decode profile %s: %w: %v", kobj.RID, apperr.ErrValidationFailure, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("node: profile %s: %w: %v", kobj.RID, apperr.ErrValidationFailure, err)
	}
	return p, nil
}

func decodeEdge(kobj *processor.KnowledgeObject) (models.Edge, error) {
	var e models.Edge
	b := kobj.Bundle()
	if b == nil {
		return e, fmt.Errorf("node: %s has no contents: %w", kobj.RID, apperr.ErrValidationFailure)
	}
	if err := b.Decode(&e); err != nil {
		return e, fmt.Errorf("node: decode edge %s: %w: %v", kobj.RID, apperr.ErrValidationFailure, err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("node: edge %s: %w: %v", kobj.RID, apperr.ErrValidationFailure, err)
	}
	return e, nil
}

// resultLabel maps a handshake report to the metrics label.
func resultLabel(ignored bool, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case ignored:
		return "ignored"
	default:
		return metrics.ResultOK
	}
}
