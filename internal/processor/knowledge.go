// Package processor runs knowledge objects through the phased handler chain.
package processor

import (
	"context"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// KnowledgeObject is one RID, manifest or bundle travelling through the
// pipeline together with the decisions taken about it so far.
type KnowledgeObject struct {
	RID      rid.RID
	Manifest *models.Manifest
	Contents map[string]any

	// EventType is the event type the object arrived with, if any.
	EventType models.EventType
	// NormalizedEventType is set by classification: NEW or UPDATE.
	NormalizedEventType models.EventType

	Source models.Source
	// FromPeer is the node that delivered the object. It is never a
	// broadcast target for this object.
	FromPeer rid.RID
	// NetworkTargets is filled by network-phase handlers.
	NetworkTargets []rid.RID

	deferred []func(ctx context.Context)
}

// Defer schedules fn to run once the object's chain has finished and its
// RID lock is released. Handlers use it for peer round trips so a slow
// peer never holds up other objects.
func (k *KnowledgeObject) Defer(fn func(ctx context.Context)) {
	k.deferred = append(k.deferred, fn)
}

// FromRID wraps a bare RID.
func FromRID(r rid.RID, source models.Source) *KnowledgeObject {
	return &KnowledgeObject{RID: r, Source: source}
}

// FromManifest wraps a manifest without contents.
func FromManifest(m models.Manifest, source models.Source) *KnowledgeObject {
	return &KnowledgeObject{RID: m.RID, Manifest: &m, Source: source}
}

// FromBundle wraps a full bundle.
func FromBundle(b *models.Bundle, source models.Source) *KnowledgeObject {
	m := b.Manifest
	return &KnowledgeObject{RID: b.RID(), Manifest: &m, Contents: b.Contents, Source: source}
}

// FromEvent wraps an event received from peer.
func FromEvent(ev models.Event, source models.Source, peer rid.RID) *KnowledgeObject {
	return &KnowledgeObject{
		RID:       ev.RID,
		Manifest:  ev.Manifest,
		Contents:  ev.Contents,
		EventType: ev.EventType,
		Source:    source,
		FromPeer:  peer,
	}
}

// Bundle returns the object as a bundle, or nil while contents are missing.
func (k *KnowledgeObject) Bundle() *models.Bundle {
	if k.Manifest == nil || k.Contents == nil {
		return nil
	}
	return &models.Bundle{Manifest: *k.Manifest, Contents: k.Contents}
}

// Event returns the normalized event to broadcast for the object.
func (k *KnowledgeObject) Event() models.Event {
	return models.Event{
		RID:       k.RID,
		EventType: k.NormalizedEventType,
		Manifest:  k.Manifest,
		Contents:  k.Contents,
	}
}
