// Package index maintains the in-memory inverted index over accepted records.
package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// KeyKind separates raw identifiers, matched verbatim, from normalised terms.
type KeyKind uint8

// Key kinds.
const (
	KeyRaw KeyKind = iota
	KeyTerm
)

// Key is one derived lookup key.
type Key struct {
	Kind  KeyKind
	Value string
}

// Raw returns a raw-identifier key.
func Raw(v string) Key { return Key{Kind: KeyRaw, Value: v} }

// Term returns a normalised term key.
func Term(v string) Key { return Key{Kind: KeyTerm, Value: NormalizeTerm(v)} }

// NormalizeTerm lower-cases and NFC-normalises a search term.
func NormalizeTerm(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

// Metadata is the display data cached per RID.
type Metadata struct {
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	LastChanged time.Time `json:"last_changed"`
}

// Result is one query hit.
type Result struct {
	RID         rid.RID   `json:"rid"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	LastChanged time.Time `json:"last_changed"`
}

// Index maps derived keys to RIDs and keeps a metadata cache alongside.
//
// All mutations take the single write lock, so removing a RID's old
// associations and inserting the new ones is one unit relative to every
// other mutation and query.
type Index struct {
	derivers Derivers

	mu    sync.RWMutex
	keys  map[Key]map[rid.RID]struct{}
	byRID map[rid.RID][]Key
	meta  map[rid.RID]Metadata
}

// New creates an empty index using derivers to turn bundles into keys.
func New(derivers Derivers) *Index {
	if derivers == nil {
		derivers = Derivers{}
	}
	return &Index{
		derivers: derivers,
		keys:     make(map[Key]map[rid.RID]struct{}),
		byRID:    make(map[rid.RID][]Key),
		meta:     make(map[rid.RID]Metadata),
	}
}

// Handles reports whether a deriver is registered for t.
func (ix *Index) Handles(t rid.Type) bool {
	_, ok := ix.derivers[t]
	return ok
}

// Types returns the record types this index can derive keys for.
func (ix *Index) Types() []rid.Type {
	out := make([]rid.Type, 0, len(ix.derivers))
	for t := range ix.derivers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply derives keys and metadata from b and upserts them.
func (ix *Index) Apply(b *models.Bundle) error {
	d, ok := ix.derivers[b.RID().Type()]
	if !ok {
		return fmt.Errorf("index: no deriver for %s", b.RID().Type())
	}
	entry, err := d.Derive(b)
	if err != nil {
		return fmt.Errorf("index: derive %s: %w", b.RID(), err)
	}
	return ix.Upsert(b.RID(), entry.Keys, entry.Meta)
}

// Upsert replaces every association of r with keys and updates its metadata.
// It returns apperr.ErrStale if meta is older than what is already cached,
// leaving the index untouched.
func (ix *Index) Upsert(r rid.RID, keys []Key, meta Metadata) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if cur, ok := ix.meta[r]; ok && meta.LastChanged.Before(cur.LastChanged) {
		return fmt.Errorf("index: upsert %s: %w", r, apperr.ErrStale)
	}

	ix.removeAssociationsLocked(r)

	seen := make(map[Key]struct{}, len(keys))
	owned := make([]Key, 0, len(keys))
	for _, k := range keys {
		if k.Value == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		set, ok := ix.keys[k]
		if !ok {
			set = make(map[rid.RID]struct{})
			ix.keys[k] = set
		}
		set[r] = struct{}{}
		owned = append(owned, k)
	}
	ix.byRID[r] = owned
	ix.meta[r] = meta
	return nil
}

// RemoveAssociations drops r from every key set, deleting keys left empty.
// The metadata entry is kept.
func (ix *Index) RemoveAssociations(r rid.RID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeAssociationsLocked(r)
}

func (ix *Index) removeAssociationsLocked(r rid.RID) {
	for _, k := range ix.byRID[r] {
		set := ix.keys[k]
		delete(set, r)
		if len(set) == 0 {
			delete(ix.keys, k)
		}
	}
	delete(ix.byRID, r)
}

// Query resolves term against raw-identifier keys verbatim and against
// normalised terms. Hits are deduplicated and ordered by title, then RID.
func (ix *Index) Query(term string) []Result {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make(map[rid.RID]struct{})
	for r := range ix.keys[Raw(term)] {
		hits[r] = struct{}{}
	}
	for r := range ix.keys[Term(term)] {
		hits[r] = struct{}{}
	}

	out := make([]Result, 0, len(hits))
	for r := range hits {
		m := ix.meta[r]
		out = append(out, Result{
			RID:         r,
			Title:       m.Title,
			Tags:        append([]string{}, m.Tags...),
			LastChanged: m.LastChanged,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := strings.ToLower(out[i].Title), strings.ToLower(out[j].Title)
		if ti != tj {
			return ti < tj
		}
		return out[i].RID < out[j].RID
	})
	return out
}

// Metadata returns the cached metadata for r.
func (ix *Index) Metadata(r rid.RID) (Metadata, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.meta[r]
	return m, ok
}

// Stats returns the number of distinct keys and of indexed records.
func (ix *Index) Stats() (keys, records int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.keys), len(ix.meta)
}
