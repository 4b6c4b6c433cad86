package models

import "github.com/starford/koinet-node/internal/rid"

// EventType is the kind of change an event announces.
type EventType string

// Event types.
const (
	EventNew    EventType = "NEW"
	EventUpdate EventType = "UPDATE"
	EventForget EventType = "FORGET"
)

// Event is the unit broadcast between nodes. It carries a RID and
// optionally a manifest, and optionally the full contents.
type Event struct {
	RID       rid.RID        `json:"rid"`
	EventType EventType      `json:"event_type"`
	Manifest  *Manifest      `json:"manifest,omitempty"`
	Contents  map[string]any `json:"contents,omitempty"`
}

// EventFromBundle wraps b in an event of type t.
func EventFromBundle(t EventType, b *Bundle) Event {
	m := b.Manifest
	return Event{RID: b.RID(), EventType: t, Manifest: &m, Contents: b.Contents}
}

// Bundle returns the event as a bundle when it carries both manifest and contents.
func (e Event) Bundle() *Bundle {
	if e.Manifest == nil || e.Contents == nil {
		return nil
	}
	return &Bundle{Manifest: *e.Manifest, Contents: e.Contents}
}

// Source tells the pipeline whether a knowledge object originated here or
// came from elsewhere. External objects must not be trusted against the
// local cache alone and are (re)fetched when they arrive without contents.
type Source int

// Sources.
const (
	SourceLocal Source = iota
	SourceExternal
)

func (s Source) String() string {
	if s == SourceExternal {
		return "external"
	}
	return "local"
}
