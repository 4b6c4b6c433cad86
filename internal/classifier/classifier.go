// Package classifier decides whether an incoming record version is new, an
// update, or redundant relative to the cached version.
package classifier

import (
	"fmt"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
)

// Outcome is the result of classifying one incoming manifest.
type Outcome string

// Outcomes. Unchanged and Stale both halt processing.
const (
	New       Outcome = "NEW"
	Update    Outcome = "UPDATE"
	Unchanged Outcome = "UNCHANGED"
	Stale     Outcome = "STALE"
)

// Decision pairs an outcome with whether the chain must stop.
type Decision struct {
	Outcome Outcome
	Halt    bool
}

// EventType maps an accepting outcome to the event type announced downstream.
func (d Decision) EventType() models.EventType {
	if d.Outcome == Update {
		return models.EventUpdate
	}
	return models.EventNew
}

// Classify compares incoming against cached, which is nil when the RID has
// never been accepted. Hash equality is checked before timestamps: identical
// content is never reprocessed. Otherwise the newer timestamp wins and ties
// favour the cached copy.
//
// A manifest missing its hash or timestamp yields an error wrapping
// apperr.ErrMalformedManifest and no decision.
func Classify(incoming models.Manifest, cached *models.Manifest) (Decision, error) {
	if err := incoming.Validate(); err != nil {
		return Decision{}, fmt.Errorf("classifier: %s: %w: %v", incoming.RID, apperr.ErrMalformedManifest, err)
	}
	if cached == nil {
		return Decision{Outcome: New}, nil
	}
	if incoming.SHA256Hash == cached.SHA256Hash {
		return Decision{Outcome: Unchanged, Halt: true}, nil
	}
	if !incoming.Timestamp.After(cached.Timestamp) {
		return Decision{Outcome: Stale, Halt: true}, nil
	}
	return Decision{Outcome: Update}, nil
}
